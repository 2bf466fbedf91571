package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
)

const (
	signatureHeader = "X-Webhook-Signature"
	hubMarkerHeader = "X-Webhook-Hub"
)

// RecordsStore persists delivery outcomes onto audit records.
type RecordsStore interface {
	UpdateOutcome(ctx context.Context, id uuid.UUID, outcome models.DeliveryOutcome) error
}

// Forwarder delivers events to tenant callback URLs with a signed POST.
// A delivery attempt's outcome is only real once it is persisted: when the
// outcome write fails for a not-yet-delivered event, the whole attempt is
// retried with exponential backoff so the audit record never silently loses
// a failed delivery.
type Forwarder struct {
	records    RecordsStore
	httpClient *http.Client
	maxRetries int
	metrics    observability.RelayMetrics

	now func() time.Time
}

// NewForwarder creates a forwarder. The HTTP client uses the given timeout
// and does not follow redirects.
func NewForwarder(records RecordsStore, timeout time.Duration, maxRetries int, metrics observability.RelayMetrics) *Forwarder {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Forwarder{
		records:    records,
		httpClient: client,
		maxRetries: maxRetries,
		metrics:    metrics,
		now:        time.Now,
	}
}

// BuildSignature computes the forward signature header value:
// t=<unix-ts>,v1=<hex HMAC-SHA256(secret, "<ts>.<body>")>.
func BuildSignature(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)

	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

// ForwardAndPersist delivers the event to callbackURL and records the outcome
// on the audit record. Returns the final persisted outcome.
func (f *Forwarder) ForwardAndPersist(ctx context.Context, recordID uuid.UUID, callbackURL, secret, body string, headers map[string]string) models.DeliveryOutcome {
	var outcome models.DeliveryOutcome

	for attempt := 0; ; attempt++ {
		start := f.now()
		outcome = f.forwardOnce(ctx, callbackURL, secret, body, headers)
		outcome.RetryCount = attempt

		if f.metrics != nil {
			f.metrics.RecordDelivery(ctx, "forward", deliveryOutcomeLabel(outcome), time.Since(start))
		}

		persistErr := f.records.UpdateOutcome(ctx, recordID, outcome)
		if persistErr == nil {
			return outcome
		}

		slog.ErrorContext(ctx, "Failed to persist delivery outcome",
			"record_id", recordID,
			"attempt", attempt,
			"delivered", outcome.Delivered,
			"error", persistErr,
		)

		// A delivered event is done even if the outcome write failed; only an
		// unrecorded failure earns another delivery attempt.
		if outcome.Delivered || attempt >= f.maxRetries {
			return outcome
		}

		if err := sleepBackoff(ctx, attempt); err != nil {
			return outcome
		}
	}
}

// Replay re-delivers a stored request snapshot once, no retry ladder. The
// outcome overwrites the record's previous delivery state.
func (f *Forwarder) Replay(ctx context.Context, replay *models.ReplayData) (models.DeliveryOutcome, error) {
	if replay.CallbackURL == "" {
		return models.DeliveryOutcome{}, fmt.Errorf("tenant %s has no callback url", replay.TenantID)
	}

	start := f.now()
	outcome := f.forwardOnce(ctx, replay.CallbackURL, replay.SigningSecret, replay.Body, replay.Headers)

	if f.metrics != nil {
		f.metrics.RecordDelivery(ctx, "replay", deliveryOutcomeLabel(outcome), time.Since(start))
	}

	if err := f.records.UpdateOutcome(ctx, replay.RecordID, outcome); err != nil {
		return outcome, fmt.Errorf("persist replay outcome: %w", err)
	}

	return outcome, nil
}

// forwardOnce POSTs the body to the callback URL with the signature headers.
// Transport failures are recorded as status 0 with the error as the snippet.
func (f *Forwarder) forwardOnce(ctx context.Context, callbackURL, secret, body string, headers map[string]string) models.DeliveryOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(body))
	if err != nil {
		return models.DeliveryOutcome{Snippet: fmt.Sprintf("build request: %v", err)}
	}

	for name, value := range headers {
		// The original Host and framing headers must not leak to the callback.
		switch strings.ToLower(name) {
		case "host", "content-length", "connection":
			continue
		}
		req.Header.Set(name, value)
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if secret != "" {
		req.Header.Set(signatureHeader, BuildSignature(secret, f.now().Unix(), []byte(body)))
	}
	req.Header.Set(hubMarkerHeader, "true")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return models.DeliveryOutcome{Snippet: fmt.Sprintf("forward failed: %v", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("Failed to close forward response body", "error", closeErr)
		}
	}()

	snippet, err := io.ReadAll(io.LimitReader(resp.Body, int64(models.ResponseSnippetLimit)*4))
	if err != nil {
		slog.Warn("Failed to read forward response body", "error", err)
	}

	return models.DeliveryOutcome{
		StatusCode: resp.StatusCode,
		Snippet:    string(snippet),
		Delivered:  resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
}

// sleepBackoff waits 2^attempt seconds or until ctx is cancelled.
func sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Duration(1<<uint(attempt)) * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func deliveryOutcomeLabel(outcome models.DeliveryOutcome) string {
	switch {
	case outcome.Delivered:
		return "delivered"
	case outcome.StatusCode == 0:
		return "transport_error"
	default:
		return "rejected"
	}
}
