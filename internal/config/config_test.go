package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.WebhookToleranceSeconds != 300 {
		t.Fatalf("unexpected tolerance: %d", cfg.WebhookToleranceSeconds)
	}
	if cfg.TokenIssuer != "grantway" {
		t.Fatalf("unexpected issuer: %s", cfg.TokenIssuer)
	}
	if cfg.RateBurst != 40 || cfg.RatePerSec != 20 {
		t.Fatalf("unexpected rate limits: %d/%d", cfg.RateBurst, cfg.RatePerSec)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected body limit: %d", cfg.MaxBodyBytes)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GRANTWAY_ADDR", ":9090")
	t.Setenv("GRANTWAY_PG_DSN", "postgres://localhost/grantway")
	t.Setenv("GRANTWAY_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("GRANTWAY_WEBHOOK_TOLERANCE_SECONDS", "60")
	t.Setenv("GRANTWAY_TOKEN_SECRET", "tok_1")
	t.Setenv("GRANTWAY_NOTIFY_ENDPOINT", "https://mail.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.PostgresDSN != "postgres://localhost/grantway" {
		t.Fatalf("unexpected dsn: %s", cfg.PostgresDSN)
	}
	if cfg.WebhookSecret != "whsec_1" || cfg.WebhookToleranceSeconds != 60 {
		t.Fatalf("webhook config wrong: %+v", cfg)
	}
	if cfg.TokenSecret != "tok_1" {
		t.Fatalf("token config wrong: %+v", cfg)
	}
	if cfg.NotifyEndpoint != "https://mail.internal" {
		t.Fatalf("notify config wrong: %+v", cfg)
	}
}
