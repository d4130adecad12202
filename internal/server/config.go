// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the TeamChat service.
package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server configuration settings including security controls.
// All fields can be set through environment variables; unset or out-of-range
// values fall back to the defaults below.
type Config struct {
	Addr            string        `env:"SERVER_ADDR" envDefault:":8080"`
	JWTSecret       string        `env:"JWT_SECRET" envDefault:"dev-secret-change-in-production"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"teamchat"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" envDefault:"512"`
	SendBuffer      int           `env:"SEND_BUFFER" envDefault:"256"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RateLimitRefill time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		JWTSecret:       "dev-secret-change-in-production",
		JWTIssuer:       "teamchat",
		AllowedOrigins:  []string{"http://localhost:8080"},
		MaxMessageSize:  512,
		SendBuffer:      256,
		RateLimitBurst:  5,
		RateLimitRefill: time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig builds a Config from environment variables, falling back to
// defaults for anything unset or invalid.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.sanitize()
	return cfg, nil
}

func (c *Config) sanitize() {
	defaults := DefaultConfig()

	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.JWTSecret == "" {
		c.JWTSecret = defaults.JWTSecret
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = defaults.JWTIssuer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaults.SendBuffer
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = defaults.RateLimitBurst
	}
	if c.RateLimitRefill <= 0 {
		c.RateLimitRefill = defaults.RateLimitRefill
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
}
