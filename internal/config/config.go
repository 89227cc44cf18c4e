// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config holds all application configuration, populated from environment
// variables.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/engine.db"`

	Classifier ClassifierConfig
	Ingress    IngressConfig
	Activity   ActivityConfig
}

// ClassifierConfig configures the intent oracle client.
type ClassifierConfig struct {
	APIKey  string        `env:"OPENAI_API_KEY"`
	BaseURL string        `env:"OPENAI_BASE_URL"`
	Model   string        `env:"CLASSIFIER_MODEL" envDefault:"gpt-4o-mini"`
	Timeout time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"15s"`
}

// IngressConfig controls event delivery and reconciliation.
type IngressConfig struct {
	QueueSize      int           `env:"INGRESS_QUEUE_SIZE" envDefault:"64"`
	MaxAttempts    int           `env:"INGRESS_MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay      time.Duration `env:"INGRESS_BASE_DELAY" envDefault:"200ms"`
	ReconcileCron  string        `env:"RECONCILE_CRON" envDefault:"@every 1m"`
	ReconcileGrace time.Duration `env:"RECONCILE_GRACE" envDefault:"30s"`
}

// ActivityConfig controls the audit trail writer.
type ActivityConfig struct {
	QueueSize int `env:"ACTIVITY_QUEUE_SIZE" envDefault:"256"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Classifier.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.Ingress.QueueSize <= 0 {
		return fmt.Errorf("INGRESS_QUEUE_SIZE must be > 0")
	}
	if c.Ingress.MaxAttempts <= 0 {
		return fmt.Errorf("INGRESS_MAX_ATTEMPTS must be > 0")
	}
	if c.Activity.QueueSize <= 0 {
		return fmt.Errorf("ACTIVITY_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
