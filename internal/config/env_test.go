package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "ENTITLEMENTS_SERVER_ADDRESS overrides default",
			envVars: map[string]string{"ENTITLEMENTS_SERVER_ADDRESS": ":3000"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name:    "route prefix is normalized",
			envVars: map[string]string{"ENTITLEMENTS_ROUTE_PREFIX": "api/"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name: "retry limiter settings",
			envVars: map[string]string{
				"ENTITLEMENTS_RETRY_MAX_RETRIES":  "7",
				"ENTITLEMENTS_RETRY_RESET_WINDOW": "90m",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.RetryLimit.MaxRetries != 7 {
					t.Errorf("MaxRetries = %d, want 7", cfg.RetryLimit.MaxRetries)
				}
				if cfg.RetryLimit.ResetWindow.Duration != 90*time.Minute {
					t.Errorf("ResetWindow = %v, want 90m", cfg.RetryLimit.ResetWindow.Duration)
				}
			},
		},
		{
			name:    "invalid integer is ignored",
			envVars: map[string]string{"ENTITLEMENTS_RETRY_MAX_RETRIES": "lots"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.RetryLimit.MaxRetries != 3 {
					t.Errorf("MaxRetries = %d, want default 3", cfg.RetryLimit.MaxRetries)
				}
			},
		},
		{
			name:    "kafka brokers list",
			envVars: map[string]string{"ENTITLEMENTS_KAFKA_BROKERS": "a:9092, b:9092,,"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "b:9092" {
					t.Errorf("unexpected brokers %v", cfg.Events.KafkaBrokers)
				}
			},
		},
		{
			name:    "bool accepts 1",
			envVars: map[string]string{"ENTITLEMENTS_TRACING_ENABLED": "1"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Tracing.Enabled {
					t.Error("expected tracing enabled")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer clearEnv()

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}
