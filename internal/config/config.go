// Package config provides configuration loading for cifixd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the cifixd daemon.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Oracle   OracleConfig   `koanf:"oracle"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Matcher  MatcherConfig  `koanf:"matcher"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds corpus store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`

	// BusyTimeout is passed to the SQLite driver.
	BusyTimeout Duration `koanf:"busy_timeout"`

	// MaxRetries bounds retry attempts for transient store errors.
	MaxRetries int `koanf:"max_retries"`

	// RetryBaseDelay is the initial backoff delay between retries.
	RetryBaseDelay Duration `koanf:"retry_base_delay"`
}

// OracleConfig holds fix-text generation settings.
type OracleConfig struct {
	// Provider selects the oracle backend: "openai" or "none".
	// "none" always uses the static fallback generator.
	Provider string `koanf:"provider"`

	Model   string   `koanf:"model"`
	APIKey  Secret   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Timeout Duration `koanf:"timeout"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	// Workers is the number of concurrent pipeline workers.
	Workers int `koanf:"workers"`

	// QueueSize is the bounded admission queue depth.
	QueueSize int `koanf:"queue_size"`

	// MaxLogBytes caps the stored error log; longer logs are truncated.
	MaxLogBytes int `koanf:"max_log_bytes"`
}

// MatcherConfig holds similarity matcher settings.
type MatcherConfig struct {
	// TopK is the default number of similar failures retrieved per query.
	TopK int `koanf:"top_k"`

	// MaxCandidates bounds the candidate pool scanned per query.
	// The pre-filter never changes the ranking of retained candidates.
	MaxCandidates int `koanf:"max_candidates"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8700,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path:           "cifixd.db",
			BusyTimeout:    Duration(5 * time.Second),
			MaxRetries:     3,
			RetryBaseDelay: Duration(100 * time.Millisecond),
		},
		Oracle: OracleConfig{
			Provider: "none",
			Model:    "gpt-4o-mini",
			Timeout:  Duration(30 * time.Second),
		},
		Ingest: IngestConfig{
			Workers:     4,
			QueueSize:   256,
			MaxLogBytes: 64 * 1024,
		},
		Matcher: MatcherConfig{
			TopK:          5,
			MaxCandidates: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server shutdown_timeout must be > 0")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("database max_retries must be >= 0, got %d", c.Database.MaxRetries)
	}
	switch c.Oracle.Provider {
	case "openai", "none":
	default:
		return fmt.Errorf("oracle provider must be 'openai' or 'none', got %q", c.Oracle.Provider)
	}
	if c.Oracle.Provider == "openai" && !c.Oracle.APIKey.IsSet() {
		return fmt.Errorf("oracle api_key is required when provider is 'openai'")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be >= 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest queue_size must be >= 1, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.MaxLogBytes < 1 {
		return fmt.Errorf("ingest max_log_bytes must be >= 1, got %d", c.Ingest.MaxLogBytes)
	}
	if c.Matcher.TopK < 1 {
		return fmt.Errorf("matcher top_k must be >= 1, got %d", c.Matcher.TopK)
	}
	if c.Matcher.MaxCandidates < c.Matcher.TopK {
		return fmt.Errorf("matcher max_candidates must be >= top_k")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
