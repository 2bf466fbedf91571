package models

import "time"

// Tier is an account's quota class. Unknown values behave as TierNormal.
type Tier string

const (
	TierNormal     Tier = "normal"
	TierPremium    Tier = "premium"
	TierGold       Tier = "gold"
	TierEnterprise Tier = "enterprise"
	TierStaff      Tier = "staff"
)

// tierLimits is the fixed monthly request budget per tier; nil means unlimited.
var tierLimits = map[Tier]*int64{
	TierNormal:     int64ptr(30_000),
	TierPremium:    int64ptr(100_000),
	TierGold:       int64ptr(500_000),
	TierEnterprise: nil,
	TierStaff:      nil,
}

func int64ptr(v int64) *int64 { return &v }

// Limit returns the tier's monthly request budget, nil for unlimited tiers.
// Unknown tiers get the normal budget.
func (t Tier) Limit() *int64 {
	limit, ok := tierLimits[t]
	if !ok {
		return tierLimits[TierNormal]
	}
	if limit == nil {
		return nil
	}
	v := *limit
	return &v
}

// DisplayName returns the tier's human-readable name.
func (t Tier) DisplayName() string {
	switch t {
	case TierPremium:
		return "Premium"
	case TierGold:
		return "Gold"
	case TierEnterprise:
		return "Enterprise"
	case TierStaff:
		return "Staff"
	default:
		return "Normal"
	}
}

// QuotaStatus is the result of a quota check.
type QuotaStatus struct {
	Allowed   bool   `json:"allowed"`
	Tier      Tier   `json:"tier"`
	Limit     *int64 `json:"limit"`
	Used      int64  `json:"used"`
	Remaining *int64 `json:"remaining"`
	ResetDate string `json:"reset_date,omitempty"`
}

// YearMonth formats t as the usage-period key (e.g. "2026-08").
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// QuotaResetDate returns the first day of the month after t, formatted
// YYYY-MM-DD. This is when the monthly counter implicitly rolls over.
func QuotaResetDate(t time.Time) string {
	t = t.UTC()
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.Format("2006-01-02")
}

// AlertChannel is a usage-alert delivery channel kind.
type AlertChannel string

const (
	ChannelEmail  AlertChannel = "email"
	ChannelWeCom  AlertChannel = "wechat"
	ChannelFeishu AlertChannel = "feishu"
	ChannelSMS    AlertChannel = "sms"
)

// AccountContacts is the external directory's contact sheet for an account.
// NotifyChannels lists the channels the account opted into; empty means email.
type AccountContacts struct {
	Username       string
	Email          string
	Phone          string
	WeComID        string
	FeishuID       string
	NotifyChannels []AlertChannel
}

// Address returns the account's address for the given channel, empty when the
// account has none configured.
func (c *AccountContacts) Address(ch AlertChannel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelWeCom:
		return c.WeComID
	case ChannelFeishu:
		return c.FeishuID
	case ChannelSMS:
		return c.Phone
	default:
		return ""
	}
}

// Channels returns the account's opted-in channels, defaulting to email.
func (c *AccountContacts) Channels() []AlertChannel {
	if len(c.NotifyChannels) == 0 {
		return []AlertChannel{ChannelEmail}
	}
	return c.NotifyChannels
}
