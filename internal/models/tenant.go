package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderCrypto is the provider envelope-decryption config. A tenant either
// has no crypto config (nil pointer on Tenant) or a fully populated one; the
// storage layer only materializes this when token, encoding key, and corp id
// are all present.
type ProviderCrypto struct {
	Token       string
	EncodingKey string
	CorpID      string
}

// PushConfig is the enterprise push-application config. Like ProviderCrypto it
// is all-or-nothing: nil on Tenant unless corp id, corp secret, agent id, and
// target are all set.
type PushConfig struct {
	CorpID     string
	CorpSecret string
	AgentID    int
	Target     string
}

// defaultPushDevice receives provider reply events when the tenant has not
// configured an explicit device list.
const defaultPushDevice = "wechat"

// Tenant is one relay endpoint configuration, identified by an immutable API key.
type Tenant struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     int64      `json:"account_id"`
	Name          string     `json:"name"`
	APIKey        string     `json:"api_key"`
	SigningSecret string     `json:"-"`
	CallbackURL   string     `json:"callback_url,omitempty"`
	Active        bool       `json:"active"`
	RequestCount  int64      `json:"request_count"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"-"`

	Crypto *ProviderCrypto `json:"-"`
	Push   *PushConfig     `json:"-"`
	// PushDevices names the realtime subscriber devices that receive decoded
	// provider reply events.
	PushDevices []string `json:"push_devices,omitempty"`
}

// ReplyDevices returns the devices decoded provider events fan out to,
// falling back to the default device when none are configured.
func (t *Tenant) ReplyDevices() []string {
	if len(t.PushDevices) > 0 {
		return t.PushDevices
	}
	return []string{defaultPushDevice}
}
