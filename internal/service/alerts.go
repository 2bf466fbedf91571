package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
)

// UsageAlert describes one threshold crossing to notify an account about.
type UsageAlert struct {
	AccountID int64
	Tier      models.Tier
	Used      int64
	Limit     int64
	YearMonth string
	Threshold int
}

// ChannelSender delivers one alert message over a single channel (email,
// enterprise chat, SMS).
type ChannelSender interface {
	Send(ctx context.Context, address, subject, body string) error
}

// AlertService fans a usage alert out to the account's opted-in channels.
// At most one alert row is recorded per (account, period, threshold, channel),
// but the send gate is account-wide: once any channel's row exists for the
// period and threshold, later crossings send nothing, including on channels
// that failed the first time.
type AlertService struct {
	accounts AccountDirectory
	usage    UsageStore
	senders  map[models.AlertChannel]ChannelSender
	metrics  observability.RelayMetrics
}

// NewAlertService creates an alert service with the given channel senders.
func NewAlertService(accounts AccountDirectory, usage UsageStore, senders map[models.AlertChannel]ChannelSender, metrics observability.RelayMetrics) *AlertService {
	return &AlertService{
		accounts: accounts,
		usage:    usage,
		senders:  senders,
		metrics:  metrics,
	}
}

// SendUsageAlert notifies the account once per period and threshold. Errors
// are logged, not returned; the caller has already detached from the request.
func (s *AlertService) SendUsageAlert(ctx context.Context, alert UsageAlert) {
	sent, err := s.usage.AlertSent(ctx, alert.AccountID, alert.YearMonth, alert.Threshold)
	if err != nil {
		slog.Error("Failed to check usage alert dedupe",
			"account_id", alert.AccountID, "error", err)
		return
	}
	if sent {
		return
	}

	contacts, err := s.accounts.Contacts(ctx, alert.AccountID)
	if err != nil {
		slog.Error("Failed to load account contacts for usage alert",
			"account_id", alert.AccountID, "error", err)
		return
	}

	subject := fmt.Sprintf("Usage alert: %d%% of your %s plan", alert.Threshold, alert.Tier.DisplayName())
	body := fmt.Sprintf(
		"Hi %s, your account has used %d of %d webhook requests for %s. The counter resets on the first of next month.",
		contacts.Username, alert.Used, alert.Limit, alert.YearMonth,
	)

	for _, channel := range contacts.Channels() {
		sender, ok := s.senders[channel]
		if !ok {
			continue
		}

		address := contacts.Address(channel)
		if address == "" {
			slog.Warn("Account opted into alert channel without an address",
				"account_id", alert.AccountID, "channel", channel)
			continue
		}

		if err := sender.Send(ctx, address, subject, body); err != nil {
			slog.Error("Failed to send usage alert",
				"account_id", alert.AccountID, "channel", channel, "error", err)
			if s.metrics != nil {
				s.metrics.RecordAlert(ctx, string(channel), "error")
			}
			continue
		}

		if err := s.usage.RecordAlert(ctx, alert.AccountID, alert.YearMonth, alert.Threshold, channel); err != nil {
			slog.Error("Failed to record usage alert",
				"account_id", alert.AccountID, "channel", channel, "error", err)
		}

		if s.metrics != nil {
			s.metrics.RecordAlert(ctx, string(channel), "sent")
		}

		slog.Info("Usage alert sent",
			"account_id", alert.AccountID,
			"channel", channel,
			"threshold", alert.Threshold,
			"period", alert.YearMonth,
		)
	}
}

// LoggingChannelSender is a placeholder sender that logs instead of delivering.
// Wire a real provider integration per channel when one is available.
type LoggingChannelSender struct {
	Channel models.AlertChannel
}

// Send logs the alert that would have been delivered.
func (s *LoggingChannelSender) Send(ctx context.Context, address, subject, body string) error {
	slog.InfoContext(ctx, "Alert delivery (logging sender)",
		"channel", s.Channel,
		"address", address,
		"subject", subject,
	)
	return nil
}

// NewLoggingSenders returns a sender per supported channel, all logging-only.
func NewLoggingSenders() map[models.AlertChannel]ChannelSender {
	return map[models.AlertChannel]ChannelSender{
		models.ChannelEmail:  &LoggingChannelSender{Channel: models.ChannelEmail},
		models.ChannelWeCom:  &LoggingChannelSender{Channel: models.ChannelWeCom},
		models.ChannelFeishu: &LoggingChannelSender{Channel: models.ChannelFeishu},
		models.ChannelSMS:    &LoggingChannelSender{Channel: models.ChannelSMS},
	}
}
