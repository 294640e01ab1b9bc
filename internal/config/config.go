package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting of the service. All values come from
// environment variables so the binary itself stays stateless.
type Config struct {
	Addr string `env:"GRANTWAY_ADDR" envDefault:":8080"`

	// Postgres DSN. When empty the API falls back to the in-memory store,
	// which is only suitable for local development.
	PostgresDSN string `env:"GRANTWAY_PG_DSN"`

	// Shared secret the payment processor signs webhook bodies with.
	WebhookSecret string `env:"GRANTWAY_WEBHOOK_SECRET"`

	// Maximum age of a webhook signature timestamp.
	WebhookToleranceSeconds int `env:"GRANTWAY_WEBHOOK_TOLERANCE_SECONDS" envDefault:"300"`

	// Identity provider settings for bearer token verification.
	TokenSecret string `env:"GRANTWAY_TOKEN_SECRET"`
	TokenIssuer string `env:"GRANTWAY_TOKEN_ISSUER" envDefault:"grantway"`

	// Identity provider email-lookup endpoint. Empty sends every unresolved
	// purchaser down the pending path.
	DirectoryEndpoint string `env:"GRANTWAY_DIRECTORY_ENDPOINT"`

	// Mail collaborator endpoint for access-ready notifications. Empty
	// disables dispatch (notifications are logged instead).
	NotifyEndpoint string `env:"GRANTWAY_NOTIFY_ENDPOINT"`
	NotifyAPIKey   string `env:"GRANTWAY_NOTIFY_API_KEY"`

	RateBurst  int `env:"GRANTWAY_RATE_BURST" envDefault:"40"`
	RatePerSec int `env:"GRANTWAY_RATE_PER_SEC" envDefault:"20"`

	MaxBodyBytes int64 `env:"GRANTWAY_MAX_BODY_BYTES" envDefault:"1048576"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
