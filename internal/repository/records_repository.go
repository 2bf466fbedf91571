package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
)

// RecordsRepository handles data access for webhook audit records.
type RecordsRepository struct {
	db *pgxpool.Pool
}

// NewRecordsRepository creates a new records repository.
func NewRecordsRepository(db *pgxpool.Pool) *RecordsRepository {
	return &RecordsRepository{db: db}
}

// Insert writes the audit record for one accepted inbound event.
func (r *RecordsRepository) Insert(ctx context.Context, rec *models.WebhookRecord) error {
	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("marshal header snapshot: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO webhook_records (
			id, tenant_id, account_id, source_ip, method, path, headers, body
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.TenantID, rec.AccountID, rec.SourceIP, rec.Method, rec.Path,
		string(headersJSON), nullIfEmpty(rec.Body))
	if err != nil {
		return fmt.Errorf("insert webhook record: %w", err)
	}

	return nil
}

// UpdateOutcome persists one delivery attempt's result as a single atomic
// write. delivered_at is only ever set, never cleared; error_message is
// cleared only on success. A transport failure is stored as status 0.
func (r *RecordsRepository) UpdateOutcome(ctx context.Context, id uuid.UUID, outcome models.DeliveryOutcome) error {
	snippet := models.TruncateSnapshot(outcome.Snippet, models.ResponseSnippetLimit)

	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_records
		SET status_code = $2,
		    response_snippet = $3,
		    retry_count = $4,
		    delivered_at = CASE WHEN $5 THEN NOW() ELSE delivered_at END,
		    error_message = CASE WHEN $5 THEN NULL ELSE $3 END
		WHERE id = $1
	`, id, outcome.StatusCode, nullIfEmpty(snippet), outcome.RetryCount, outcome.Delivered)
	if err != nil {
		return fmt.Errorf("update delivery outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("webhook record", "")
	}

	return nil
}

// ListByAccount returns the account's most recent records, newest first.
// When tenantID is non-nil the list is scoped to that tenant; ownership is
// enforced by the account_id predicate either way.
func (r *RecordsRepository) ListByAccount(ctx context.Context, accountID int64, tenantID *uuid.UUID, limit int) ([]models.RecordSummary, error) {
	const defaultLimit = 50
	if limit <= 0 || limit > 500 {
		limit = defaultLimit
	}

	query := `
		SELECT w.id, w.source_ip, w.method, w.path, w.status_code,
		       w.retry_count, w.created_at, w.delivered_at, t.name
		FROM webhook_records w
		JOIN tenants t ON w.tenant_id = t.id
		WHERE w.account_id = $1
	`
	args := []any{accountID}

	if tenantID != nil {
		query += ` AND w.tenant_id = $2`
		args = append(args, *tenantID)
	}

	query += fmt.Sprintf(` ORDER BY w.created_at DESC LIMIT %d`, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook records: %w", err)
	}
	defer rows.Close()

	var summaries []models.RecordSummary
	for rows.Next() {
		var s models.RecordSummary
		if err := rows.Scan(
			&s.ID, &s.SourceIP, &s.Method, &s.Path, &s.StatusCode,
			&s.RetryCount, &s.CreatedAt, &s.DeliveredAt, &s.TenantName,
		); err != nil {
			return nil, fmt.Errorf("scan webhook record summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook records: %w", err)
	}

	return summaries, nil
}

// GetByID returns the full record including snapshots, scoped to the owning account.
func (r *RecordsRepository) GetByID(ctx context.Context, id uuid.UUID, accountID int64) (*models.WebhookRecord, error) {
	var (
		rec         models.WebhookRecord
		headersJSON *string
		body        *string
	)

	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, account_id, source_ip, method, path, headers, body,
		       status_code, response_snippet, retry_count, delivered_at,
		       error_message, created_at
		FROM webhook_records
		WHERE id = $1 AND account_id = $2
	`, id, accountID).Scan(
		&rec.ID, &rec.TenantID, &rec.AccountID, &rec.SourceIP, &rec.Method,
		&rec.Path, &headersJSON, &body, &rec.StatusCode, &rec.ResponseSnippet,
		&rec.RetryCount, &rec.DeliveredAt, &rec.ErrorMessage, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("webhook record", "")
		}
		return nil, fmt.Errorf("get webhook record: %w", err)
	}

	if body != nil {
		rec.Body = *body
	}
	if headersJSON != nil {
		if err := json.Unmarshal([]byte(*headersJSON), &rec.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal header snapshot: %w", err)
		}
	}

	return &rec, nil
}

// GetForReplay loads the stored request snapshot joined with the owning
// tenant's current callback URL and signing secret.
func (r *RecordsRepository) GetForReplay(ctx context.Context, id uuid.UUID, accountID int64) (*models.ReplayData, error) {
	var (
		replay      models.ReplayData
		headersJSON *string
		body        *string
		callbackURL *string
		secret      *string
	)

	err := r.db.QueryRow(ctx, `
		SELECT w.id, w.tenant_id, w.headers, w.body, t.callback_url, t.signing_secret
		FROM webhook_records w
		JOIN tenants t ON w.tenant_id = t.id
		WHERE w.id = $1 AND w.account_id = $2
	`, id, accountID).Scan(
		&replay.RecordID, &replay.TenantID, &headersJSON, &body, &callbackURL, &secret,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("webhook record", "")
		}
		return nil, fmt.Errorf("get record for replay: %w", err)
	}

	if headersJSON != nil {
		if err := json.Unmarshal([]byte(*headersJSON), &replay.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal header snapshot: %w", err)
		}
	}
	if body != nil {
		replay.Body = *body
	}
	if callbackURL != nil {
		replay.CallbackURL = *callbackURL
	}
	if secret != nil {
		replay.SigningSecret = *secret
	}

	return &replay, nil
}
