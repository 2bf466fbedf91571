package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/sillymd/hub/internal/api/response"
	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
	"github.com/sillymd/hub/internal/service"
)

// providerAck is the body WeChat Work expects after event delivery. Anything
// else makes the provider re-deliver the event.
const providerAck = `<xml><ReturnCode>0</ReturnCode></xml>`

// PayloadDecoder decodes provider callback payloads for a tenant.
type PayloadDecoder interface {
	DecodeEvent(ctx context.Context, tenant *models.Tenant, body []byte, sig service.SignatureParams) (*service.DecodeResult, error)
	VerifyURL(ctx context.Context, tenant *models.Tenant, echostr string, sig service.SignatureParams) (string, error)
}

// WeChatHandler handles WeChat Work callback verification and event delivery.
type WeChatHandler struct {
	tenants    TenantResolver
	records    RecordInserter
	quota      QuotaChecker
	decoder    PayloadDecoder
	dispatcher EventDispatcher
	metrics    observability.RelayMetrics
}

// NewWeChatHandler creates a new WeChat Work callback handler.
func NewWeChatHandler(tenants TenantResolver, records RecordInserter, quota QuotaChecker, decoder PayloadDecoder, dispatcher EventDispatcher, metrics observability.RelayMetrics) *WeChatHandler {
	return &WeChatHandler{
		tenants:    tenants,
		records:    records,
		quota:      quota,
		decoder:    decoder,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// Verify handles GET /webhook/wechat/{apiKey}, the provider's one-time URL check.
// The decrypted echo string is returned as plain text.
func (h *WeChatHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	if tenant.Crypto == nil {
		response.RespondBadRequest(w, "Provider callback is not configured for this endpoint")
		return
	}

	query := r.URL.Query()
	echostr := repairEchoString(query.Get("echostr"))
	if echostr == "" {
		response.RespondBadRequest(w, "Missing echostr parameter")
		return
	}

	plain, err := h.decoder.VerifyURL(r.Context(), tenant, echostr, signatureParams(query))
	if err != nil {
		slog.WarnContext(r.Context(), "Provider URL verification failed",
			"tenant_id", tenant.ID, "error", err)
		response.RespondForbidden(w, "Verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(plain)); err != nil {
		slog.Error("Failed to write verification response", "error", err)
	}
}

// Event handles POST /webhook/wechat/{apiKey}. The provider is always acknowledged
// once the request is well formed; delivery happens in the background.
func (h *WeChatHandler) Event(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	sig := signatureParams(query)
	if sig.Signature == "" || sig.Timestamp == "" || sig.Nonce == "" {
		response.RespondUnprocessableEntity(w, "Missing signature, timestamp, or nonce")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		response.RespondBadRequest(w, "Failed to read request body")
		return
	}

	status, err := h.quota.CheckQuota(r.Context(), tenant.AccountID)
	if err != nil {
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}
	// The provider always gets its ack; over-quota events are dropped, not errored,
	// because a non-ack response only makes the provider re-deliver.
	if !status.Allowed {
		h.recordAdmission(r.Context(), "quota_exceeded")
		slog.WarnContext(r.Context(), "Provider event dropped, quota exceeded",
			"tenant_id", tenant.ID, "account_id", tenant.AccountID)
		h.ack(w)
		return
	}

	decoded, err := h.decoder.DecodeEvent(r.Context(), tenant, body, sig)
	if err != nil {
		// Strict mode rejection. Record and ack without dispatching.
		h.recordAdmission(r.Context(), "rejected")
		slog.WarnContext(r.Context(), "Provider event rejected",
			"tenant_id", tenant.ID, "error", err)
		h.ack(w)
		return
	}

	rec := &models.WebhookRecord{
		ID:        uuid.Must(uuid.NewV7()),
		TenantID:  tenant.ID,
		AccountID: tenant.AccountID,
		SourceIP:  clientIP(r),
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   SnapshotHeaders(r.Header),
		Body:      models.TruncateSnapshot(string(body), models.BodySnapshotLimit),
	}

	if err := h.records.Insert(r.Context(), rec); err != nil {
		response.RespondInternalServerError(w, "Failed to record event")
		return
	}

	if err := h.quota.RecordUsage(r.Context(), tenant.AccountID, status); err != nil {
		slog.ErrorContext(r.Context(), "Failed to record usage for provider event",
			"account_id", tenant.AccountID, "error", err)
	}

	h.dispatcher.Dispatch(service.DispatchTask{
		Record: rec,
		Tenant: tenant,
		Decode: decoded,
	})

	h.recordAdmission(r.Context(), "accepted")
	h.ack(w)
}

func (h *WeChatHandler) resolveTenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
	tenant, err := h.tenants.GetByAPIKey(r.Context(), r.PathValue("apiKey"))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			h.recordAdmission(r.Context(), "not_found")
			response.RespondNotFound(w, "Unknown webhook endpoint")
			return nil, false
		}
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return nil, false
	}

	return tenant, true
}

func (h *WeChatHandler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write([]byte(providerAck)); err != nil {
		slog.Error("Failed to write provider ack", "error", err)
	}
}

func (h *WeChatHandler) recordAdmission(ctx context.Context, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordAdmission(ctx, outcome)
	}
}

// signatureParams reads the provider's signature query parameters. Some
// provider modes send msg_signature, others signature.
func signatureParams(query url.Values) service.SignatureParams {
	sig := query.Get("msg_signature")
	if sig == "" {
		sig = query.Get("signature")
	}

	return service.SignatureParams{
		Signature: sig,
		Timestamp: query.Get("timestamp"),
		Nonce:     query.Get("nonce"),
	}
}

// repairEchoString undoes over-eager query decoding: a '+' inside the
// base64 echo string arrives as a space after URL decoding.
func repairEchoString(echostr string) string {
	return strings.ReplaceAll(echostr, " ", "+")
}
