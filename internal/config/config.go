// Package config carries the two configuration surfaces: runtime
// settings from the environment and dataset manifests from YAML.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile     string `envconfig:"LOG_FILE"`
	ProgressDir string `envconfig:"PROGRESS_DIR" default:".progress"`

	MaxWorkers int           `envconfig:"MAX_WORKERS" default:"4"`
	NumChunks  int           `envconfig:"NUM_CHUNKS" default:"4"`
	MaxRetries int           `envconfig:"MAX_RETRIES" default:"3"`
	BaseDelay  time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	MaxDelay   time.Duration `envconfig:"MAX_DELAY" default:"60s"`

	UserAgent  string        `envconfig:"USER_AGENT" default:"dataset_downloader/0.1"`
	StaleAfter time.Duration `envconfig:"STALE_AFTER" default:"168h"`
	WebhookURL string        `envconfig:"WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"false"`
		OTLPEndpoint string `split_words:"true"`
	}

	// Web configures the optional status server; an empty bind
	// address leaves it off.
	Web struct {
		BindAddress     string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
