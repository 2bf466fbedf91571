package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
)

// AccountsRepository reads the external accounts directory. The relay never
// owns account identity; it only references it for tiers, contacts, and
// management-API authentication.
type AccountsRepository struct {
	db *pgxpool.Pool
}

// NewAccountsRepository creates a new accounts repository.
func NewAccountsRepository(db *pgxpool.Pool) *AccountsRepository {
	return &AccountsRepository{db: db}
}

// Tier returns the account's quota tier. Missing or inactive accounts report
// an error; callers default to TierNormal.
func (r *AccountsRepository) Tier(ctx context.Context, accountID int64) (models.Tier, error) {
	var tier *string

	err := r.db.QueryRow(ctx, `
		SELECT vendor_level FROM users WHERE id = $1 AND is_active = true
	`, accountID).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NewNotFoundError("account", "")
		}
		return "", fmt.Errorf("get account tier: %w", err)
	}

	if tier == nil || *tier == "" {
		return models.TierNormal, nil
	}

	return models.Tier(*tier), nil
}

// Contacts returns the account's alert contact sheet.
func (r *AccountsRepository) Contacts(ctx context.Context, accountID int64) (*models.AccountContacts, error) {
	var (
		c        models.AccountContacts
		email    *string
		phone    *string
		wecomID  *string
		feishuID *string
		channels []string
	)

	err := r.db.QueryRow(ctx, `
		SELECT username, email, phone, wechat_id, feishu_id, notify_channels
		FROM users WHERE id = $1
	`, accountID).Scan(&c.Username, &email, &phone, &wecomID, &feishuID, &channels)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("account", "")
		}
		return nil, fmt.Errorf("get account contacts: %w", err)
	}

	if email != nil {
		c.Email = *email
	}
	if phone != nil {
		c.Phone = *phone
	}
	if wecomID != nil {
		c.WeComID = *wecomID
	}
	if feishuID != nil {
		c.FeishuID = *feishuID
	}
	for _, ch := range channels {
		c.NotifyChannels = append(c.NotifyChannels, models.AlertChannel(ch))
	}

	return &c, nil
}

// ValidateKey resolves a raw management-API key to its owning account.
// Keys are stored as SHA-256 hashes; lookup is by hash, never by raw key.
func (r *AccountsRepository) ValidateKey(ctx context.Context, rawKey string) (int64, error) {
	sum := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(sum[:])

	var accountID int64

	err := r.db.QueryRow(ctx, `
		SELECT account_id FROM account_keys
		WHERE key_hash = $1 AND is_active = true
	`, keyHash).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NewNotFoundError("account key", "invalid or inactive account key")
		}
		return 0, fmt.Errorf("validate account key: %w", err)
	}

	return accountID, nil
}

// TouchKey updates the key's last-used timestamp. Called off the request path.
func (r *AccountsRepository) TouchKey(ctx context.Context, rawKey string) error {
	sum := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(sum[:])

	_, err := r.db.Exec(ctx, `
		UPDATE account_keys SET last_used_at = NOW() WHERE key_hash = $1
	`, keyHash)
	if err != nil {
		return fmt.Errorf("touch account key: %w", err)
	}

	return nil
}
