// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string        `env:"DATABASE_URL,required,notEmpty"`
	HTTPAddr    string        `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret   string        `env:"JWT_SECRET,required,notEmpty"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required,notEmpty"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required,notEmpty"`
	BaseURL             string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	PlatformFeePercent float64       `env:"PLATFORM_FEE_PERCENT" envDefault:"0"`
	DefaultCurrency    string        `env:"DEFAULT_CURRENCY" envDefault:"usd"`
	OfferTTL           time.Duration `env:"OFFER_TTL" envDefault:"24h"`
	AutoRefundAfter    time.Duration `env:"AUTO_REFUND_AFTER" envDefault:"168h"`
	AutoReleaseAfter   time.Duration `env:"AUTO_RELEASE_AFTER" envDefault:"168h"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize  int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	OutboxInterval  time.Duration `env:"OUTBOX_INTERVAL" envDefault:"5s"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"3s"`
	GatewayBudget   time.Duration `env:"GATEWAY_RETRY_BUDGET" envDefault:"5s"`
	GatewayMaxTries uint          `env:"GATEWAY_MAX_TRIES" envDefault:"4"`
}

// Load parses the environment and checks the values that env tags cannot.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100:
		return fmt.Errorf("config: PLATFORM_FEE_PERCENT must be between 0 and 100, got %v", c.PlatformFeePercent)
	case c.OfferTTL <= 0 || c.AutoRefundAfter <= 0 || c.AutoReleaseAfter <= 0:
		return fmt.Errorf("config: deadline windows must be positive")
	case c.SweepInterval <= 0 || c.OutboxInterval <= 0:
		return fmt.Errorf("config: loop intervals must be positive")
	case c.GatewayTimeout <= 0 || c.GatewayBudget <= 0:
		return fmt.Errorf("config: GATEWAY_TIMEOUT and GATEWAY_RETRY_BUDGET must be positive")
	case c.GatewayMaxTries == 0:
		return fmt.Errorf("config: GATEWAY_MAX_TRIES must be at least 1")
	}
	return nil
}
