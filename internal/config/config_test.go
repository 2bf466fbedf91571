package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ForwardTimeout != 30*time.Second {
		t.Errorf("ForwardTimeout = %v, want 30s", cfg.ForwardTimeout)
	}
	if cfg.ForwardMaxRetries != 3 {
		t.Errorf("ForwardMaxRetries = %d, want 3", cfg.ForwardMaxRetries)
	}
	if cfg.ProviderStrictSignature {
		t.Error("ProviderStrictSignature should default to false")
	}
	if cfg.AccountsDatabaseURL != cfg.DatabaseURL {
		t.Error("AccountsDatabaseURL should fall back to DatabaseURL")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FORWARD_TIMEOUT_SECONDS", "5")
	t.Setenv("FORWARD_MAX_RETRIES", "1")
	t.Setenv("PROVIDER_STRICT_SIGNATURE", "true")
	t.Setenv("ACCOUNTS_DATABASE_URL", "postgres://accounts/db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ForwardTimeout != 5*time.Second {
		t.Errorf("ForwardTimeout = %v, want 5s", cfg.ForwardTimeout)
	}
	if cfg.ForwardMaxRetries != 1 {
		t.Errorf("ForwardMaxRetries = %d, want 1", cfg.ForwardMaxRetries)
	}
	if !cfg.ProviderStrictSignature {
		t.Error("ProviderStrictSignature should be true")
	}
	if cfg.AccountsDatabaseURL != "postgres://accounts/db" {
		t.Errorf("AccountsDatabaseURL = %q", cfg.AccountsDatabaseURL)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"FORWARD_TIMEOUT_SECONDS": "0",
		"DISPATCH_MAX_CONCURRENT": "-1",
		"TENANT_CACHE_SIZE":       "0",
		"INGEST_BURST":            "0",
	}

	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%s should fail", key, val)
			}
		})
	}
}
