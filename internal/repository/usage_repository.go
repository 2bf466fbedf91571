package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sillymd/hub/internal/models"
)

// UsageRepository handles monthly usage counters and usage-alert dedupe rows.
type UsageRepository struct {
	db *pgxpool.Pool
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db}
}

// CurrentCount returns the account's request count for the period, 0 when no
// row exists yet (the period's first request creates it).
func (r *UsageRepository) CurrentCount(ctx context.Context, accountID int64, yearMonth string) (int64, error) {
	var count int64

	err := r.db.QueryRow(ctx, `
		SELECT request_count FROM monthly_usage
		WHERE account_id = $1 AND year_month = $2
	`, accountID, yearMonth).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get monthly usage: %w", err)
	}

	return count, nil
}

// Increment atomically bumps the period counter, inserting the period row on
// first use. The upsert makes concurrent increments for the same key safe:
// no lost updates and no duplicate rows.
func (r *UsageRepository) Increment(ctx context.Context, accountID int64, yearMonth string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO monthly_usage (account_id, year_month, request_count, last_request_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (account_id, year_month) DO UPDATE
		SET request_count = monthly_usage.request_count + 1,
		    last_request_at = NOW()
	`, accountID, yearMonth)
	if err != nil {
		return fmt.Errorf("increment monthly usage: %w", err)
	}

	return nil
}

// AlertSent reports whether a threshold alert was already recorded for the
// account this period, on any channel.
func (r *UsageRepository) AlertSent(ctx context.Context, accountID int64, yearMonth string, threshold int) (bool, error) {
	var exists bool

	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM usage_alerts
			WHERE account_id = $1 AND year_month = $2 AND alert_threshold = $3
		)
	`, accountID, yearMonth, threshold).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check usage alert: %w", err)
	}

	return exists, nil
}

// RecordAlert writes the dedupe row for one successfully dispatched channel.
// The unique index on (account, period, threshold, channel) makes a repeat
// write a no-op, preserving the at-most-one-row invariant.
func (r *UsageRepository) RecordAlert(ctx context.Context, accountID int64, yearMonth string, threshold int, channel models.AlertChannel) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO usage_alerts (id, account_id, year_month, alert_threshold, channel, status)
		VALUES ($1, $2, $3, $4, $5, 'sent')
		ON CONFLICT (account_id, year_month, alert_threshold, channel) DO NOTHING
	`, uuid.Must(uuid.NewV7()), accountID, yearMonth, threshold, string(channel))
	if err != nil {
		return fmt.Errorf("record usage alert: %w", err)
	}

	return nil
}
