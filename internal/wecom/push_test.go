package wecom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sillymd/hub/internal/models"
)

func testPushConfig() *models.PushConfig {
	return &models.PushConfig{
		CorpID:     "ww1234567890abcdef",
		CorpSecret: "secret",
		AgentID:    1000002,
		Target:     "@all",
	}
}

func TestPushClientSendText(t *testing.T) {
	var tokenCalls, sendCalls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/gettoken":
			tokenCalls.Add(1)
			assert.Equal(t, "ww1234567890abcdef", r.URL.Query().Get("corpid"))
			assert.Equal(t, "secret", r.URL.Query().Get("corpsecret"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errcode": 0, "access_token": "tok-1", "expires_in": 7200,
			})
		case "/cgi-bin/message/send":
			sendCalls.Add(1)
			assert.Equal(t, "tok-1", r.URL.Query().Get("access_token"))

			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "@all", payload["touser"])
			assert.Equal(t, "text", payload["msgtype"])
			assert.Equal(t, float64(1000002), payload["agentid"])

			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewPushClientWithBaseURL(server.URL, 5*time.Second)

	require.NoError(t, client.SendText(context.Background(), testPushConfig(), "hello"))
	require.NoError(t, client.SendText(context.Background(), testPushConfig(), "again"))

	// Token is cached across sends.
	assert.Equal(t, int32(1), tokenCalls.Load())
	assert.Equal(t, int32(2), sendCalls.Load())
}

func TestPushClientTokenRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 40001, "errmsg": "invalid credential"})
	}))
	defer server.Close()

	client := NewPushClientWithBaseURL(server.URL, 5*time.Second)

	err := client.SendText(context.Background(), testPushConfig(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "errcode=40001")
}

func TestPushClientExpiredTokenInvalidated(t *testing.T) {
	var tokenCalls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/gettoken":
			tokenCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errcode": 0, "access_token": "tok", "expires_in": 7200,
			})
		case "/cgi-bin/message/send":
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 42001, "errmsg": "access_token expired"})
		}
	}))
	defer server.Close()

	client := NewPushClientWithBaseURL(server.URL, 5*time.Second)

	err := client.SendText(context.Background(), testPushConfig(), "hello")
	require.Error(t, err)

	// The expired-token error dropped the cache entry, so the next send refetches.
	_ = client.SendText(context.Background(), testPushConfig(), "hello")
	assert.Equal(t, int32(2), tokenCalls.Load())
}
