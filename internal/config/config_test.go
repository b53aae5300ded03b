package config

import (
	"errors"
	"testing"
	"time"
)

// clearEnv unsets every key Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "APP_HTTP_ADDR", "GRPC_ADDR", "METRICS_ADDR", "ENV", "STORE_TYPE",
		"DB_DSN", "BADGER_PATH", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "ADMIN_API_KEY",
		"RATE_LIMIT_PER_IP", "LOG_LEVEL", "LOG_FORMAT", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"SEED_DIR", "SEED_WATCH", "RULESET_CACHE_SIZE", "FETCH_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "dev" {
		t.Errorf("Expected AppEnv='dev', got '%s'", cfg.AppEnv)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr=':8080', got '%s'", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9000" {
		t.Errorf("Expected GRPCAddr=':9000', got '%s'", cfg.GRPCAddr)
	}
	if cfg.Env != "prod" {
		t.Errorf("Expected Env='prod', got '%s'", cfg.Env)
	}
	if cfg.StoreType != StoreMemory {
		t.Errorf("Expected StoreType='memory', got '%s'", cfg.StoreType)
	}
	if cfg.RateLimitPerIP != 600 {
		t.Errorf("Expected RateLimitPerIP=600, got %d", cfg.RateLimitPerIP)
	}
	if cfg.CacheSize != 4096 {
		t.Errorf("Expected CacheSize=4096, got %d", cfg.CacheSize)
	}
	if cfg.FetchTimeout != 2*time.Second {
		t.Errorf("Expected FetchTimeout=2s, got %s", cfg.FetchTimeout)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Errorf("Expected json/info logging, got %s/%s", cfg.LogFormat, cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "test")
	t.Setenv("APP_HTTP_ADDR", ":9999")
	t.Setenv("ENV", "staging")
	t.Setenv("STORE_TYPE", "redis")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("RATE_LIMIT_PER_IP", "200")
	t.Setenv("RULESET_CACHE_SIZE", "128")
	t.Setenv("FETCH_TIMEOUT", "750ms")
	t.Setenv("SEED_DIR", "/etc/flagship/rules")
	t.Setenv("SEED_WATCH", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "test" {
		t.Errorf("Expected AppEnv='test', got '%s'", cfg.AppEnv)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("Expected HTTPAddr=':9999', got '%s'", cfg.HTTPAddr)
	}
	if cfg.Env != "staging" {
		t.Errorf("Expected Env='staging', got '%s'", cfg.Env)
	}
	if cfg.StoreType != StoreRedis || cfg.RedisAddr != "cache:6380" || cfg.RedisDB != 3 {
		t.Errorf("unexpected redis settings %s %s %d", cfg.StoreType, cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.RateLimitPerIP != 200 {
		t.Errorf("Expected RateLimitPerIP=200, got %d", cfg.RateLimitPerIP)
	}
	if cfg.CacheSize != 128 {
		t.Errorf("Expected CacheSize=128, got %d", cfg.CacheSize)
	}
	if cfg.FetchTimeout != 750*time.Millisecond {
		t.Errorf("Expected FetchTimeout=750ms, got %s", cfg.FetchTimeout)
	}
	if cfg.SeedDir != "/etc/flagship/rules" || !cfg.SeedWatch {
		t.Errorf("unexpected seed settings %q %v", cfg.SeedDir, cfg.SeedWatch)
	}
}

func validConfig() *Config {
	return &Config{
		AppEnv:       "dev",
		HTTPAddr:     ":8080",
		MetricsAddr:  ":9090",
		Env:          "prod",
		StoreType:    StoreMemory,
		AdminAPIKey:  "admin-123",
		LogFormat:    "json",
		CacheSize:    16,
		FetchTimeout: time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown store", func(c *Config) { c.StoreType = "sqlite" }, "STORE_TYPE"},
		{"postgres without dsn", func(c *Config) { c.StoreType = StorePostgres }, "DB_DSN"},
		{"badger without path", func(c *Config) { c.StoreType = StoreBadger }, "BADGER_PATH"},
		{"redis without addr", func(c *Config) { c.StoreType = StoreRedis }, "REDIS_ADDR"},
		{"badger with path", func(c *Config) { c.StoreType = StoreBadger; c.BadgerPath = "/tmp/b" }, ""},
		{"empty http addr", func(c *Config) { c.HTTPAddr = "" }, "APP_HTTP_ADDR"},
		{"empty metrics addr", func(c *Config) { c.MetricsAddr = "" }, "METRICS_ADDR"},
		{"empty env", func(c *Config) { c.Env = "" }, "ENV"},
		{"zero cache", func(c *Config) { c.CacheSize = 0 }, "RULESET_CACHE_SIZE"},
		{"zero timeout", func(c *Config) { c.FetchTimeout = 0 }, "FETCH_TIMEOUT"},
		{"negative rate limit", func(c *Config) { c.RateLimitPerIP = -1 }, "RATE_LIMIT_PER_IP"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"prod default key", func(c *Config) { c.AppEnv = "prod" }, "ADMIN_API_KEY"},
		{"prod empty key", func(c *Config) { c.AppEnv = "production"; c.AdminAPIKey = "" }, "ADMIN_API_KEY"},
		{"prod custom key", func(c *Config) { c.AppEnv = "prod"; c.AdminAPIKey = "s3cret" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Expected field %s, got %s (%s)", tt.wantField, verr.Field, verr.Message)
			}
		})
	}
}
