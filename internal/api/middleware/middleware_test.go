package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"ingest key masked", "/webhook/aB3xK9sT", "/webhook/{key}"},
		{"ingest key with subpath", "/webhook/aB3xK9sT/orders/new", "/webhook/{key}/orders/new"},
		{"wechat key masked", "/webhook/wechat/aB3xK9sT", "/webhook/wechat/{key}"},
		{"record id masked", "/api/v1/webhooks/0190a6e2-1111-7abc-8def-0123456789ab", "/api/v1/webhooks/{id}"},
		{"id mid-path", "/api/v1/webhooks/0190a6e2-1111-7abc-8def-0123456789ab/retry", "/api/v1/webhooks/{id}/retry"},
		{"plain route untouched", "/api/v1/user/usage", "/api/v1/user/usage"},
		{"health untouched", "/health", "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeRoute(tt.path))
		})
	}
}

func TestThrottleLimitsPerKey(t *testing.T) {
	throttle := NewThrottle(1, 1)

	var hits int
	handler := throttle.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))

	do := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, do("/webhook/key-a"))
	// Burst of 1 is spent; the second request within the window is rejected.
	assert.Equal(t, http.StatusTooManyRequests, do("/webhook/key-a"))
	// Other keys have their own limiter.
	assert.Equal(t, http.StatusOK, do("/webhook/key-b"))
	assert.Equal(t, 2, hits)
}

func TestThrottleDisabledByZeroRate(t *testing.T) {
	throttle := NewThrottle(0, 1)

	handler := throttle.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for range 10 {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/key-a", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}

type fakeKeyValidator struct {
	accountID int64
	err       error
	touched   chan string
}

func (f *fakeKeyValidator) ValidateKey(_ context.Context, rawKey string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.accountID, nil
}

func (f *fakeKeyValidator) TouchKey(_ context.Context, rawKey string) error {
	if f.touched != nil {
		f.touched <- rawKey
	}
	return nil
}

func TestAuthValidKey(t *testing.T) {
	keys := &fakeKeyValidator{accountID: 7, touched: make(chan string, 1)}

	var gotAccount int64
	handler := Auth(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := AccountID(r.Context())
		require.True(t, ok)
		gotAccount = id
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
	req.Header.Set("Authorization", "Bearer account-key")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(7), gotAccount)
	assert.Equal(t, "account-key", <-keys.touched)
}

func TestAuthRejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keys   KeyValidator
	}{
		{"missing header", "", &fakeKeyValidator{accountID: 7}},
		{"wrong scheme", "Basic abc", &fakeKeyValidator{accountID: 7}},
		{"empty key", "Bearer ", &fakeKeyValidator{accountID: 7}},
		{"invalid key", "Bearer nope", &fakeKeyValidator{err: errors.New("no such key")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Auth(tt.keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be reached")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		})
	}
}
