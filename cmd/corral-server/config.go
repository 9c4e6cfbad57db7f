package main

import "time"

// Config holds server configuration loaded from environment variables.
type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	BasePath string `envconfig:"BASE_PATH" default:"/api/corral"`

	// StoreBackend selects the credential/usage store once at startup:
	// "memory", "sqlite", or "redis". Never inferred from the
	// connection's API shape.
	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"corral.db"`
	RedisURL     string `envconfig:"REDIS_URL"`

	// VerificationURL is the browser page (owned by the host app) where
	// the human types the user code.
	VerificationURL string `envconfig:"VERIFICATION_URL" default:"http://localhost:3000/device"`

	CodeExpiry   time.Duration `envconfig:"CODE_EXPIRY" default:"10m"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`
	TokenTTL     time.Duration `envconfig:"TOKEN_TTL" default:"720h"`
	RefreshTTL   time.Duration `envconfig:"REFRESH_TTL" default:"2160h"`

	PlansFile string `envconfig:"PLANS_FILE" default:"corral.plans.yaml"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
}
