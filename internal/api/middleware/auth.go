package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sillymd/hub/internal/api/response"
)

type contextKey string

// AccountIDContextKey holds the authenticated account's ID (int64).
const AccountIDContextKey contextKey = "account_id"

// KeyValidator resolves a raw management-API key to its owning account.
type KeyValidator interface {
	ValidateKey(ctx context.Context, rawKey string) (int64, error)
	TouchKey(ctx context.Context, rawKey string) error
}

// Auth middleware validates account keys from the Authorization header
func Auth(keys KeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.RespondUnauthorized(w, "Missing Authorization header")
				return
			}

			// Expected format: "Bearer <account-key>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				response.RespondUnauthorized(w, "Invalid Authorization header format. Expected: Bearer <account-key>")
				return
			}

			rawKey := parts[1]
			if rawKey == "" {
				response.RespondUnauthorized(w, "Account key is empty")
				return
			}

			accountID, err := keys.ValidateKey(r.Context(), rawKey)
			if err != nil {
				response.RespondUnauthorized(w, "Invalid or inactive account key")
				return
			}

			// Update last used timestamp asynchronously (don't block the request)
			go func() {
				bgCtx := context.Background()
				if err := keys.TouchKey(bgCtx, rawKey); err != nil {
					slog.Error("Failed to update key last used timestamp", "error", err)
				}
			}()

			ctx := context.WithValue(r.Context(), AccountIDContextKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountID extracts the authenticated account ID from the request context.
func AccountID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(AccountIDContextKey).(int64)
	return id, ok
}
