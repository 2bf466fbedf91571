// Package repository contains the pgx data-access layer. All row mapping to
// typed models happens here and nowhere else.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
)

// TenantsRepository handles data access for tenants.
type TenantsRepository struct {
	db *pgxpool.Pool
}

// NewTenantsRepository creates a new tenants repository.
func NewTenantsRepository(db *pgxpool.Pool) *TenantsRepository {
	return &TenantsRepository{db: db}
}

const tenantColumns = `
	id, account_id, name, api_key, signing_secret, callback_url,
	is_active, request_count, created_at, deleted_at,
	crypto_token, crypto_encoding_key, crypto_corp_id,
	push_corp_secret, push_target, push_agent_id, push_devices
`

// GetByAPIKey resolves an API key to its active tenant. Lookup is exact-match
// and case-sensitive; inactive or soft-deleted tenants resolve as not found.
func (r *TenantsRepository) GetByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE api_key = $1 AND is_active = true AND deleted_at IS NULL
	`

	tenant, err := scanTenant(r.db.QueryRow(ctx, query, apiKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("tenant", "")
		}
		return nil, fmt.Errorf("get tenant by api key: %w", err)
	}

	return tenant, nil
}

// IncrementRequestCount bumps the tenant's cumulative request counter.
func (r *TenantsRepository) IncrementRequestCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tenants SET request_count = request_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment tenant request count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("tenant", "")
	}

	return nil
}

// Create inserts a tenant row. Used by the provisioning CLI; tenant CRUD has
// no HTTP surface in the relay.
func (r *TenantsRepository) Create(ctx context.Context, t *models.Tenant) error {
	var devices any
	if len(t.PushDevices) > 0 {
		b, err := json.Marshal(t.PushDevices)
		if err != nil {
			return fmt.Errorf("marshal push devices: %w", err)
		}
		devices = string(b)
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO tenants (
			id, account_id, name, api_key, signing_secret, callback_url,
			is_active, request_count, push_devices
		)
		VALUES ($1, $2, $3, $4, $5, $6, true, 0, $7)
	`, t.ID, t.AccountID, t.Name, t.APIKey, t.SigningSecret, nullIfEmpty(t.CallbackURL), devices)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}

	return nil
}

// scanTenant maps one tenant row, folding the nullable provider-crypto and
// push columns into their all-or-nothing config structs.
func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var (
		t           models.Tenant
		callbackURL *string
		cryptoToken *string
		encodingKey *string
		corpID      *string
		pushSecret  *string
		pushTarget  *string
		pushAgentID *int
		pushDevices *string
	)

	err := row.Scan(
		&t.ID, &t.AccountID, &t.Name, &t.APIKey, &t.SigningSecret, &callbackURL,
		&t.Active, &t.RequestCount, &t.CreatedAt, &t.DeletedAt,
		&cryptoToken, &encodingKey, &corpID,
		&pushSecret, &pushTarget, &pushAgentID, &pushDevices,
	)
	if err != nil {
		return nil, err
	}

	if callbackURL != nil {
		t.CallbackURL = *callbackURL
	}

	if cryptoToken != nil && encodingKey != nil && corpID != nil {
		t.Crypto = &models.ProviderCrypto{
			Token:       *cryptoToken,
			EncodingKey: *encodingKey,
			CorpID:      *corpID,
		}
	}

	if corpID != nil && pushSecret != nil && pushTarget != nil && pushAgentID != nil {
		t.Push = &models.PushConfig{
			CorpID:     *corpID,
			CorpSecret: *pushSecret,
			AgentID:    *pushAgentID,
			Target:     *pushTarget,
		}
	}

	if pushDevices != nil && *pushDevices != "" {
		var devices []string
		if err := json.Unmarshal([]byte(*pushDevices), &devices); err != nil {
			// A malformed device list falls back to the default, it must not
			// fail tenant resolution.
			slog.Warn("malformed push_devices, using default", "tenant_id", t.ID, "error", err)
		} else {
			t.PushDevices = devices
		}
	}

	return &t, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
