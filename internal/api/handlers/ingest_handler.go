package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sillymd/hub/internal/api/response"
	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
	"github.com/sillymd/hub/internal/service"
)

// TenantResolver resolves ingest API keys to tenants.
type TenantResolver interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error)
}

// RecordInserter writes audit records for admitted events.
type RecordInserter interface {
	Insert(ctx context.Context, rec *models.WebhookRecord) error
}

// QuotaChecker gates admission on the account's monthly budget.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, accountID int64) (*models.QuotaStatus, error)
	RecordUsage(ctx context.Context, accountID int64, status *models.QuotaStatus) error
}

// EventDispatcher schedules background delivery of an admitted event.
type EventDispatcher interface {
	Dispatch(task service.DispatchTask)
}

// IngestHandler handles the public webhook ingest endpoint.
type IngestHandler struct {
	tenants    TenantResolver
	records    RecordInserter
	quota      QuotaChecker
	dispatcher EventDispatcher
	metrics    observability.RelayMetrics
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(tenants TenantResolver, records RecordInserter, quota QuotaChecker, dispatcher EventDispatcher, metrics observability.RelayMetrics) *IngestHandler {
	return &IngestHandler{
		tenants:    tenants,
		records:    records,
		quota:      quota,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// acceptedResponse acknowledges one admitted event. The message carries a
// usage footnote on metered tiers.
type acceptedResponse struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// Ingest handles POST /webhook/{apiKey} and POST /webhook/{apiKey}/{rest...}.
// The response only acknowledges admission; delivery happens in the background.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	apiKey := r.PathValue("apiKey")

	tenant, err := h.tenants.GetByAPIKey(r.Context(), apiKey)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			h.recordAdmission(r.Context(), "not_found")
			response.RespondNotFound(w, "Unknown webhook endpoint")
			return
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	status, err := h.quota.CheckQuota(r.Context(), tenant.AccountID)
	if err != nil {
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}
	if !status.Allowed {
		h.recordAdmission(r.Context(), "quota_exceeded")
		response.RespondTooManyRequests(w,
			fmt.Sprintf("Monthly quota exceeded for the %s plan. Quota resets on %s.",
				status.Tier.DisplayName(), status.ResetDate),
			status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		response.RespondBadRequest(w, "Failed to read request body")
		return
	}

	rec := &models.WebhookRecord{
		ID:        uuid.Must(uuid.NewV7()),
		TenantID:  tenant.ID,
		AccountID: tenant.AccountID,
		SourceIP:  clientIP(r),
		Method:    r.Method,
		// Only the sub-path after the API key is stored; the key itself must
		// never appear in browsable records.
		Path:    "/" + r.PathValue("rest"),
		Headers: SnapshotHeaders(r.Header),
		Body:    models.TruncateSnapshot(string(body), models.BodySnapshotLimit),
	}

	if err := h.records.Insert(r.Context(), rec); err != nil {
		response.RespondInternalServerError(w, "Failed to record webhook")
		return
	}

	// The event is admitted once the record exists; a failed usage write must
	// not turn an accepted event into an error.
	if err := h.quota.RecordUsage(r.Context(), tenant.AccountID, status); err != nil {
		slog.ErrorContext(r.Context(), "Failed to record usage for admitted event",
			"account_id", tenant.AccountID, "error", err)
	}

	h.dispatcher.Dispatch(service.DispatchTask{
		Record:       rec,
		Tenant:       tenant,
		TargetDevice: service.ResolveTarget(r.PathValue("rest"), body, r.Header),
	})

	h.recordAdmission(r.Context(), "accepted")

	message := "Webhook accepted for delivery"
	if status.Remaining != nil {
		message += fmt.Sprintf(" (%d requests remaining this month)", *status.Remaining)
	}

	response.RespondJSON(w, http.StatusOK, acceptedResponse{
		ID:      rec.ID,
		Status:  "accepted",
		Message: message,
	})
}

func (h *IngestHandler) recordAdmission(ctx context.Context, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordAdmission(ctx, outcome)
	}
}

// SnapshotHeaders flattens request headers for the audit record, dropping
// credentials that must never be stored or replayed.
func SnapshotHeaders(header http.Header) map[string]string {
	snapshot := make(map[string]string, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "authorization", "cookie", "proxy-authorization":
			continue
		}
		if len(values) > 0 {
			snapshot[name] = values[0]
		}
	}
	return snapshot
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
