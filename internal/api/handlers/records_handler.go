package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sillymd/hub/internal/api/middleware"
	"github.com/sillymd/hub/internal/api/response"
	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
)

// RecordsBrowser reads audit records scoped to an account.
type RecordsBrowser interface {
	ListByAccount(ctx context.Context, accountID int64, tenantID *uuid.UUID, limit int) ([]models.RecordSummary, error)
	GetByID(ctx context.Context, id uuid.UUID, accountID int64) (*models.WebhookRecord, error)
	GetForReplay(ctx context.Context, id uuid.UUID, accountID int64) (*models.ReplayData, error)
}

// Replayer re-delivers one stored request snapshot.
type Replayer interface {
	Replay(ctx context.Context, replay *models.ReplayData) (models.DeliveryOutcome, error)
}

// RecordsHandler handles the authenticated records browsing API.
type RecordsHandler struct {
	records  RecordsBrowser
	replayer Replayer
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(records RecordsBrowser, replayer Replayer) *RecordsHandler {
	return &RecordsHandler{records: records, replayer: replayer}
}

type listRecordsResponse struct {
	Data  []models.RecordSummary `json:"data"`
	Count int                    `json:"count"`
}

// List handles GET /api/v1/webhooks
// @Summary List webhook records
// @Description Lists the account's webhook records, newest first
// @Tags Webhook Records
// @Produce json
// @Param tenant_id query string false "Filter by tenant ID"
// @Param limit query int false "Max records to return (default 50, max 500)"
// @Success 200 {object} listRecordsResponse
// @Failure 401 {object} ProblemDetails
// @Security BearerAuth
// @Router /api/v1/webhooks [get]
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		response.RespondUnauthorized(w, "Missing account context")
		return
	}

	var tenantID *uuid.UUID
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.RespondBadRequest(w, "Invalid tenant_id")
			return
		}
		tenantID = &id
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.RespondBadRequest(w, "Invalid limit")
			return
		}
		limit = n
	}

	summaries, err := h.records.ListByAccount(r.Context(), accountID, tenantID, limit)
	if err != nil {
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	if summaries == nil {
		summaries = []models.RecordSummary{}
	}

	response.RespondJSON(w, http.StatusOK, listRecordsResponse{
		Data:  summaries,
		Count: len(summaries),
	})
}

// Get handles GET /api/v1/webhooks/{id}
// @Summary Get a webhook record
// @Description Retrieves one webhook record including its stored snapshots
// @Tags Webhook Records
// @Produce json
// @Param id path string true "Record ID (UUID)"
// @Success 200 {object} WebhookRecord
// @Failure 404 {object} ProblemDetails
// @Security BearerAuth
// @Router /api/v1/webhooks/{id} [get]
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		response.RespondUnauthorized(w, "Missing account context")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		response.RespondBadRequest(w, "Invalid record ID")
		return
	}

	rec, err := h.records.GetByID(r.Context(), id, accountID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Webhook record not found")
			return
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, rec)
}

type replayResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// replayTimeout bounds one detached replay end to end.
const replayTimeout = 5 * time.Minute

// Retry handles POST /api/v1/webhooks/{id}/retry
// @Summary Replay a webhook record
// @Description Re-delivers the stored request to the tenant's current callback URL. The outcome lands on the record asynchronously.
// @Tags Webhook Records
// @Produce json
// @Param id path string true "Record ID (UUID)"
// @Success 202 {object} replayResponse
// @Failure 404 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails "Tenant has no callback URL"
// @Security BearerAuth
// @Router /api/v1/webhooks/{id}/retry [post]
func (h *RecordsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		response.RespondUnauthorized(w, "Missing account context")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		response.RespondBadRequest(w, "Invalid record ID")
		return
	}

	replay, err := h.records.GetForReplay(r.Context(), id, accountID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Webhook record not found")
			return
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	if replay.CallbackURL == "" {
		response.RespondUnprocessableEntity(w, "Tenant has no callback URL to replay to")
		return
	}

	// The caller gets an immediate acknowledgement; the outcome is written to
	// the record by the detached replay.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
		defer cancel()

		if _, err := h.replayer.Replay(ctx, replay); err != nil {
			slog.Error("Replay failed", "record_id", replay.RecordID, "error", err)
		}
	}()

	response.RespondJSON(w, http.StatusAccepted, replayResponse{
		ID:     id,
		Status: "replaying",
	})
}
