package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	Port    string `env:"PORT,default=8080"`
	BaseURL string `env:"BASE_URL"`

	// Storage
	DatabaseURL   string `env:"DATABASE_URL"`
	StorageBucket string `env:"STORAGE_BUCKET"`
	LocalStorage  string `env:"LOCAL_STORAGE"`

	// Auth
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER,default=ensemble-matcher"`

	// Email
	EmailProvider         string        `env:"EMAIL_PROVIDER,default=mock"`
	GoogleCredentialsJSON string        `env:"GOOGLE_CREDENTIALS_JSON"`
	BrevoAPIKey           string        `env:"BREVO_API_KEY"`
	MailFrom              string        `env:"MAIL_FROM,default=noreply@ensemble-matcher.app"`
	MailFromName          string        `env:"MAIL_FROM_NAME,default=Ensemble Matcher"`
	BreakerFailures       uint32        `env:"EMAIL_BREAKER_FAILURES,default=5"`
	BreakerOpenTimeout    time.Duration `env:"EMAIL_BREAKER_TIMEOUT,default=1m"`

	// Transactions
	TxMaxAttempts uint          `env:"TX_MAX_ATTEMPTS,default=5"`
	TxBaseDelay   time.Duration `env:"TX_BASE_DELAY,default=20ms"`
	TxMaxDelay    time.Duration `env:"TX_MAX_DELAY,default=1s"`

	// Background jobs
	DispatchSchedule string `env:"DISPATCH_SCHEDULE,default=@every 15s"`
	ReindexSchedule  string `env:"REINDEX_SCHEDULE,default=@hourly"`

	// Rate limiting
	RedisAddr      string        `env:"REDIS_ADDR"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS,default=5"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST,default=20"`
	RateLimitWin   time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
}

// loadConfig reads envFile when it exists and decodes the environment.
func loadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate fills development defaults and rejects unusable combinations.
func (c *Config) validate() error {
	// Default to local development mode if no bucket specified
	if c.StorageBucket == "" && c.LocalStorage == "" {
		c.LocalStorage = "./data"
	}
	if c.BaseURL == "" {
		if c.StorageBucket != "" {
			return errors.New("BASE_URL environment variable required (e.g., https://your-service.run.app)")
		}
		c.BaseURL = "http://localhost:" + c.Port
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.JWTSecret == "" {
		if c.StorageBucket != "" {
			return errors.New("JWT_SECRET environment variable required")
		}
		c.JWTSecret = "development-only-secret"
	}

	switch c.EmailProvider {
	case "mock":
	case "gmail":
	case "brevo":
		if c.BrevoAPIKey == "" {
			return errors.New("BREVO_API_KEY required for the brevo email provider")
		}
	default:
		return fmt.Errorf("unknown EMAIL_PROVIDER %q (want mock, gmail or brevo)", c.EmailProvider)
	}

	if c.TxMaxAttempts == 0 {
		return errors.New("TX_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimitBurst < 0 || c.RateLimitRPS < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

// rateLimited reports whether any limiter should be installed.
func (c *Config) rateLimited() bool {
	return c.RateLimitBurst > 0
}
