package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
)

// alertThresholdPercent is the usage percentage at which a tier-limit alert fires.
const alertThresholdPercent = 90

// AccountDirectory reads tiers and contacts from the external accounts store.
type AccountDirectory interface {
	Tier(ctx context.Context, accountID int64) (models.Tier, error)
	Contacts(ctx context.Context, accountID int64) (*models.AccountContacts, error)
}

// UsageStore persists monthly usage counters and alert dedupe rows.
type UsageStore interface {
	CurrentCount(ctx context.Context, accountID int64, yearMonth string) (int64, error)
	Increment(ctx context.Context, accountID int64, yearMonth string) error
	AlertSent(ctx context.Context, accountID int64, yearMonth string, threshold int) (bool, error)
	RecordAlert(ctx context.Context, accountID int64, yearMonth string, threshold int, channel models.AlertChannel) error
}

// QuotaService enforces per-account monthly quotas and triggers usage alerts.
type QuotaService struct {
	accounts AccountDirectory
	usage    UsageStore
	alerts   *AlertService
	metrics  observability.RelayMetrics

	now func() time.Time
}

// NewQuotaService creates a quota service. alerts may be nil to disable alerting.
func NewQuotaService(accounts AccountDirectory, usage UsageStore, alerts *AlertService, metrics observability.RelayMetrics) *QuotaService {
	return &QuotaService{
		accounts: accounts,
		usage:    usage,
		alerts:   alerts,
		metrics:  metrics,
		now:      time.Now,
	}
}

// CheckQuota reports whether the account may ingest one more event this month.
// Unknown or unreadable tiers degrade to the normal tier rather than failing
// the request. Remaining excludes the event being admitted.
func (s *QuotaService) CheckQuota(ctx context.Context, accountID int64) (*models.QuotaStatus, error) {
	tier, err := s.accounts.Tier(ctx, accountID)
	if err != nil {
		slog.Warn("Failed to resolve account tier, defaulting to normal",
			"account_id", accountID, "error", err)
		tier = models.TierNormal
	}

	now := s.now()
	limit := tier.Limit()

	status := &models.QuotaStatus{
		Tier:      tier,
		Limit:     limit,
		ResetDate: models.QuotaResetDate(now),
	}

	if limit == nil {
		status.Allowed = true
		return status, nil
	}

	used, err := s.usage.CurrentCount(ctx, accountID, models.YearMonth(now))
	if err != nil {
		return nil, err
	}

	status.Used = used
	status.Allowed = used < *limit

	if status.Allowed {
		remaining := *limit - used - 1
		if remaining < 0 {
			remaining = 0
		}
		status.Remaining = &remaining
	} else {
		zero := int64(0)
		status.Remaining = &zero
	}

	return status, nil
}

// RecordUsage bumps the account's monthly counter for one admitted event and,
// when the account crosses the alert threshold, dispatches usage alerts in the
// background. The increment must succeed; alerting is best effort.
func (s *QuotaService) RecordUsage(ctx context.Context, accountID int64, status *models.QuotaStatus) error {
	yearMonth := models.YearMonth(s.now())

	if err := s.usage.Increment(ctx, accountID, yearMonth); err != nil {
		return err
	}

	if s.alerts == nil || status == nil || status.Limit == nil {
		return nil
	}

	used := status.Used + 1
	if used*100 < *status.Limit*alertThresholdPercent {
		return nil
	}

	// Detached from the request: alerting must never add ingest latency.
	go func() {
		alertCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s.alerts.SendUsageAlert(alertCtx, UsageAlert{
			AccountID: accountID,
			Tier:      status.Tier,
			Used:      used,
			Limit:     *status.Limit,
			YearMonth: yearMonth,
			Threshold: alertThresholdPercent,
		})
	}()

	return nil
}
