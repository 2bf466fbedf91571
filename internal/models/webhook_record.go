package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	// BodySnapshotLimit bounds the stored body snapshot (runes).
	BodySnapshotLimit = 10000
	// ResponseSnippetLimit bounds the stored response/error snippet (runes).
	ResponseSnippetLimit = 1000
)

// WebhookRecord is the audit record for one accepted inbound event.
// It is created at ingestion and mutated only by delivery-outcome updates.
// StatusCode is nil until a forward attempt completes; 0 records a transport
// failure (timeout or connection error).
type WebhookRecord struct {
	ID              uuid.UUID         `json:"id"`
	TenantID        uuid.UUID         `json:"tenant_id"`
	AccountID       int64             `json:"account_id"`
	SourceIP        string            `json:"source_ip"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body,omitempty"`
	StatusCode      *int              `json:"status_code,omitempty"`
	ResponseSnippet *string           `json:"response_body,omitempty"`
	RetryCount      int               `json:"retry_count"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// RecordSummary is the list-view projection of a WebhookRecord (no snapshots).
type RecordSummary struct {
	ID          uuid.UUID  `json:"id"`
	SourceIP    string     `json:"source_ip"`
	Method      string     `json:"method"`
	Path        string     `json:"path"`
	StatusCode  *int       `json:"status_code,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	TenantName  string     `json:"tenant_name,omitempty"`
}

// DeliveryOutcome is one forward attempt's result, persisted as a single
// atomic update. DeliveredAt is set only on success and never cleared;
// ErrorMessage is cleared only on success.
type DeliveryOutcome struct {
	StatusCode int
	Snippet    string
	RetryCount int
	Delivered  bool
}

// ReplayData is everything a manual replay needs: the stored request snapshot
// plus the owning tenant's current forward settings.
type ReplayData struct {
	RecordID      uuid.UUID
	TenantID      uuid.UUID
	Headers       map[string]string
	Body          string
	CallbackURL   string
	SigningSecret string
}

// ProviderEvent holds the structured fields extracted from a decoded provider
// XML payload, used for routing and labeling.
type ProviderEvent struct {
	MsgType    string `json:"msg_type"`
	FromUser   string `json:"from_user"`
	ToUser     string `json:"to_user"`
	Content    string `json:"content"`
	CreateTime string `json:"create_time"`
}

// TruncateSnapshot bounds s to limit runes for storage.
func TruncateSnapshot(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
