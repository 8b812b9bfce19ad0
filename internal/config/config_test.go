package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.RetryLimit.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.RetryLimit.MaxRetries)
	}
	if cfg.RetryLimit.ResetWindow.Duration != 24*time.Hour {
		t.Errorf("ResetWindow = %v, want 24h", cfg.RetryLimit.ResetWindow.Duration)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %s, want memory", cfg.Storage.Backend)
	}
	if cfg.Auth.PrincipalHeader != "X-User-ID" {
		t.Errorf("PrincipalHeader = %s, want X-User-ID", cfg.Auth.PrincipalHeader)
	}
}

func TestLoadConfig_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
	}{
		{
			name:    "postgres without url",
			envVars: map[string]string{"ENTITLEMENTS_STORAGE_BACKEND": "postgres"},
			wantErr: "storage.postgres_url is required",
		},
		{
			name:    "redis limiter without url",
			envVars: map[string]string{"ENTITLEMENTS_RETRY_BACKEND": "redis"},
			wantErr: "retry_limit.redis_url is required",
		},
		{
			name:    "stripe without secret key",
			envVars: map[string]string{"ENTITLEMENTS_PAYMENT_PROVIDER": "stripe"},
			wantErr: "payments.stripe.secret_key is required",
		},
		{
			name:    "events without brokers",
			envVars: map[string]string{"ENTITLEMENTS_EVENTS_ENABLED": "true"},
			wantErr: "events.kafka_brokers is required",
		},
		{
			name:    "unknown storage backend",
			envVars: map[string]string{"ENTITLEMENTS_STORAGE_BACKEND": "sqlite"},
			wantErr: `storage.backend "sqlite" is not supported`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer clearEnv()

			_, err := Load("")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_YAMLCatalog(t *testing.T) {
	clearEnv()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
retry_limit:
  max_retries: 5
  reset_window: 2h
catalog:
  products:
    pro_upgrade:
      name: Pro
      price_cents: 499
      features: [export_pdf]
  features:
    export_pdf:
      level: Premium
      name: Export PDF
      required_product_id: pro_upgrade
    dark_mode:
      name: Dark mode
      level: free
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RetryLimit.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.RetryLimit.MaxRetries)
	}
	if cfg.RetryLimit.ResetWindow.Duration != 2*time.Hour {
		t.Errorf("ResetWindow = %v, want 2h", cfg.RetryLimit.ResetWindow.Duration)
	}
	if got := cfg.Catalog.Features["export_pdf"].Level; got != "premium" {
		t.Errorf("level should be normalized, got %q", got)
	}
	if got := cfg.Catalog.Products["pro_upgrade"].Currency; got != "usd" {
		t.Errorf("currency default = %q, want usd", got)
	}
}

func TestLoadConfig_UnknownFeatureReference(t *testing.T) {
	clearEnv()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
catalog:
  products:
    pro_upgrade:
      price_cents: 499
      features: [missing]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), `unknown feature "missing"`) {
		t.Fatalf("expected unknown feature error, got %v", err)
	}
}

func TestLoadConfig_CatalogFileMerge(t *testing.T) {
	clearEnv()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	catalog := `
products:
  bundle:
    price_cents: 999
features:
  themes:
    level: premium
    required_product_id: bundle
`
	if err := os.WriteFile(catalogPath, []byte(catalog), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Setenv("ENTITLEMENTS_CATALOG_FILE", catalogPath)
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := cfg.Catalog.Products["bundle"]; !ok {
		t.Error("expected product from catalog file")
	}
	if _, ok := cfg.Catalog.Features["themes"]; !ok {
		t.Error("expected feature from catalog file")
	}
}

func TestDuration_UnmarshalSeconds(t *testing.T) {
	clearEnv()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  query_timeout: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.QueryTimeout.Duration != 7*time.Second {
		t.Errorf("QueryTimeout = %v, want 7s", cfg.Storage.QueryTimeout.Duration)
	}
}

func clearEnv() {
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "ENTITLEMENTS_") {
			os.Unsetenv(key)
		}
	}
}
