package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sillymd/hub/internal/api/middleware"
	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
)

type fakeRecordsBrowser struct {
	summaries []models.RecordSummary
	record    *models.WebhookRecord
	replay    *models.ReplayData

	gotTenantID *uuid.UUID
	gotLimit    int
}

func (f *fakeRecordsBrowser) ListByAccount(_ context.Context, _ int64, tenantID *uuid.UUID, limit int) ([]models.RecordSummary, error) {
	f.gotTenantID = tenantID
	f.gotLimit = limit
	return f.summaries, nil
}

func (f *fakeRecordsBrowser) GetByID(_ context.Context, id uuid.UUID, _ int64) (*models.WebhookRecord, error) {
	if f.record == nil || f.record.ID != id {
		return nil, apperrors.NewNotFoundError("webhook record", "")
	}
	return f.record, nil
}

func (f *fakeRecordsBrowser) GetForReplay(_ context.Context, id uuid.UUID, _ int64) (*models.ReplayData, error) {
	if f.replay == nil || f.replay.RecordID != id {
		return nil, apperrors.NewNotFoundError("webhook record", "")
	}
	return f.replay, nil
}

type fakeReplayer struct {
	outcome models.DeliveryOutcome

	mu     sync.Mutex
	called int
}

func (f *fakeReplayer) Replay(context.Context, *models.ReplayData) (models.DeliveryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called++
	return f.outcome, nil
}

func (f *fakeReplayer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

func recordsMux(h *RecordsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/webhooks", h.List)
	mux.HandleFunc("GET /api/v1/webhooks/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/webhooks/{id}/retry", h.Retry)
	return mux
}

func authed(req *http.Request, accountID int64) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.AccountIDContextKey, accountID)
	return req.WithContext(ctx)
}

func TestRecordsList(t *testing.T) {
	browser := &fakeRecordsBrowser{summaries: []models.RecordSummary{
		{ID: uuid.Must(uuid.NewV7()), Method: "POST", Path: "/webhook/k", TenantName: "t1"},
	}}
	h := NewRecordsHandler(browser, &fakeReplayer{})

	tenantID := uuid.Must(uuid.NewV7())
	req := authed(httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks?tenant_id="+tenantID.String()+"&limit=10", nil), 1)
	rr := httptest.NewRecorder()

	recordsMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp listRecordsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "t1", resp.Data[0].TenantName)

	require.NotNil(t, browser.gotTenantID)
	assert.Equal(t, tenantID, *browser.gotTenantID)
	assert.Equal(t, 10, browser.gotLimit)
}

func TestRecordsListEmptyIsArray(t *testing.T) {
	h := NewRecordsHandler(&fakeRecordsBrowser{}, &fakeReplayer{})

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil), 1)
	rr := httptest.NewRecorder()

	recordsMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"data":[]`)
}

func TestRecordsListRequiresAccount(t *testing.T) {
	h := NewRecordsHandler(&fakeRecordsBrowser{}, &fakeReplayer{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
	rr := httptest.NewRecorder()

	recordsMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRecordsGet(t *testing.T) {
	rec := &models.WebhookRecord{
		ID:     uuid.Must(uuid.NewV7()),
		Method: "POST",
		Body:   `{"a":1}`,
	}
	h := NewRecordsHandler(&fakeRecordsBrowser{record: rec}, &fakeReplayer{})

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/"+rec.ID.String(), nil), 1)
	rr := httptest.NewRecorder()

	recordsMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var got models.WebhookRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, `{"a":1}`, got.Body)
}

func TestRecordsGetNotFound(t *testing.T) {
	h := NewRecordsHandler(&fakeRecordsBrowser{}, &fakeReplayer{})

	req := authed(httptest.NewRequest(http.MethodGet,
		"/api/v1/webhooks/"+uuid.Must(uuid.NewV7()).String(), nil), 1)
	rr := httptest.NewRecorder()

	recordsMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecordsRetry(t *testing.T) {
	recordID := uuid.Must(uuid.NewV7())
	browser := &fakeRecordsBrowser{replay: &models.ReplayData{
		RecordID:      recordID,
		TenantID:      uuid.Must(uuid.NewV7()),
		Body:          "{}",
		CallbackURL:   "https://example.com/cb",
		SigningSecret: "s",
	}}
	replayer := &fakeReplayer{outcome: models.DeliveryOutcome{StatusCode: 200, Delivered: true, Snippet: "ok"}}
	h := NewRecordsHandler(browser, replayer)

	req := authed(httptest.NewRequest(http.MethodPost,
		"/api/v1/webhooks/"+recordID.String()+"/retry", nil), 1)
	rr := httptest.NewRecorder()

	recordsMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp replayResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, recordID, resp.ID)
	assert.Equal(t, "replaying", resp.Status)

	// The replay itself runs detached from the response.
	require.Eventually(t, func() bool {
		return replayer.calls() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRecordsRetryWithoutCallbackIs422(t *testing.T) {
	recordID := uuid.Must(uuid.NewV7())
	browser := &fakeRecordsBrowser{replay: &models.ReplayData{RecordID: recordID}}
	replayer := &fakeReplayer{}
	h := NewRecordsHandler(browser, replayer)

	req := authed(httptest.NewRequest(http.MethodPost,
		"/api/v1/webhooks/"+recordID.String()+"/retry", nil), 1)
	rr := httptest.NewRecorder()

	recordsMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, 0, replayer.calls())
}
