package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/sillymd/hub/internal/config"
	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/repository"
	"github.com/sillymd/hub/pkg/database"
)

// provision creates a tenant endpoint and prints its API key and signing
// secret. The secret is only shown here; the relay never returns it again.
func main() {
	var (
		accountID   = flag.Int64("account", 0, "owning account id (required)")
		name        = flag.String("name", "", "tenant display name (required)")
		callbackURL = flag.String("callback", "", "forward target URL (optional)")
	)
	flag.Parse()

	if *accountID <= 0 || *name == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.NewPostgresPool(ctx, "relay", cfg.DatabaseURL, nil)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	apiKey, err := randomKey(32)
	if err != nil {
		slog.Error("Failed to generate API key", "error", err)
		os.Exit(1)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		slog.Error("Failed to generate signing secret", "error", err)
		os.Exit(1)
	}
	signingSecret := hex.EncodeToString(secret)

	tenant := &models.Tenant{
		ID:            uuid.Must(uuid.NewV7()),
		AccountID:     *accountID,
		Name:          *name,
		APIKey:        apiKey,
		SigningSecret: signingSecret,
		CallbackURL:   *callbackURL,
	}

	if err := repository.NewTenantsRepository(db).Create(ctx, tenant); err != nil {
		slog.Error("Failed to create tenant", "error", err)
		os.Exit(1)
	}

	fmt.Println("✓ Tenant endpoint ready!")
	fmt.Println()
	fmt.Println("ID:", tenant.ID)
	fmt.Println("Name:", tenant.Name)
	fmt.Println("Account:", tenant.AccountID)
	if tenant.CallbackURL != "" {
		fmt.Println("Callback:", tenant.CallbackURL)
	}
	fmt.Println()
	fmt.Println("API Key (put this in the ingest URL):", apiKey)
	fmt.Println("Signing Secret (verify X-Webhook-Signature with this):", signingSecret)
	fmt.Println()
	fmt.Println("Example curl command:")
	fmt.Println()
	fmt.Printf("curl -X POST -H \"Content-Type: application/json\" \\\n")
	fmt.Printf("  -d '{\"event\":\"example\"}' \\\n")
	fmt.Printf("  http://localhost:8080/webhook/%s\n", apiKey)
}

// randomKey draws length characters from an alphanumeric charset using
// rejection sampling to avoid modulo bias.
func randomKey(length int) (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	charsetLen := len(charset)
	maxValidByte := byte((255 / charsetLen) * charsetLen)

	key := make([]byte, length)
	randomByte := make([]byte, 1)
	for i := range key {
		for {
			if _, err := rand.Read(randomByte); err != nil {
				return "", err
			}
			if randomByte[0] < maxValidByte {
				key[i] = charset[int(randomByte[0])%charsetLen]
				break
			}
		}
	}

	return string(key), nil
}
