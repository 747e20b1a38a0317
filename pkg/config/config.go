// Package config loads and validates the collector configuration from a
// YAML file, with defaults that work out of the box.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/convoharvest/convoharvest/pkg/store"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig controls request pacing toward the source.
type RateLimitConfig struct {
	// RequestsPerMinute is the target request rate (informational; the
	// live budget comes from the source's rate limit headers).
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// DelayBetweenRequestsMs is the fixed minimum spacing between
	// requests in milliseconds.
	DelayBetweenRequestsMs int `yaml:"delay_between_requests_ms"`

	// RedisAddr is the address of the Redis instance holding the shared
	// request budget. Empty disables the shared gate.
	RedisAddr string `yaml:"redis_addr"`
}

// ScrapingConfig controls collection behavior.
type ScrapingConfig struct {
	// BaseURL of the conversation source API.
	BaseURL string `yaml:"base_url"`

	// AuthToken for the source (bearer). Overridable via env.
	AuthToken string `yaml:"auth_token"`

	// MaxConversations caps newly collected records per run (0 = no cap).
	MaxConversations int `yaml:"max_conversations"`

	// PageSize requested per page.
	PageSize int `yaml:"page_size"`

	// MaxRetries is the attempt budget per page, including the first.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBaseMs is the initial retry backoff in milliseconds.
	BackoffBaseMs int `yaml:"backoff_base_ms"`

	// BackoffMaxMs is the retry backoff ceiling in milliseconds.
	BackoffMaxMs int `yaml:"backoff_max_ms"`

	// SkipEmptyConversations drops conversations without messages.
	SkipEmptyConversations bool `yaml:"skip_empty_conversations"`

	// TimeoutSeconds is the per-request HTTP timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// StoreConfig controls persistence.
type StoreConfig struct {
	// Path of the SQLite database file.
	Path string `yaml:"path"`

	// MergePolicy for redelivered records: "skip" or "overwrite".
	MergePolicy string `yaml:"merge_policy"`

	// AllowCheckpointReset treats a corrupted checkpoint as a fresh
	// start instead of failing the run.
	AllowCheckpointReset bool `yaml:"allow_checkpoint_reset"`
}

// OutputConfig controls export behavior.
type OutputConfig struct {
	// Format is the export format: "json" or "csv".
	Format string `yaml:"format"`

	// Directory exports are written to.
	Directory string `yaml:"directory"`

	// FilenameTemplate names export files; "{timestamp}" is substituted.
	FilenameTemplate string `yaml:"filename_template"`

	// IncludeMetadata adds collection metadata to JSON exports.
	IncludeMetadata bool `yaml:"include_metadata"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool `yaml:"pretty"`
}

// Config is the full collector configuration.
type Config struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scraping  ScrapingConfig  `yaml:"scraping"`
	Store     StoreConfig     `yaml:"store"`
	Output    OutputConfig    `yaml:"output"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RateLimit: RateLimitConfig{
			RequestsPerMinute:      30,
			DelayBetweenRequestsMs: 2000,
		},
		Scraping: ScrapingConfig{
			MaxConversations:       100,
			PageSize:               50,
			MaxRetries:             3,
			BackoffBaseMs:          1000,
			BackoffMaxMs:           30000,
			SkipEmptyConversations: true,
			TimeoutSeconds:         30,
		},
		Store: StoreConfig{
			Path:        "harvest.db",
			MergePolicy: string(store.MergeSkip),
		},
		Output: OutputConfig{
			Format:           "json",
			Directory:        "./output",
			FilenameTemplate: "harvest_{timestamp}",
			IncludeMetadata:  true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []string {
	var errs []string

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "rate_limit.requests_per_minute must be positive")
	}
	if c.RateLimit.DelayBetweenRequestsMs < 0 {
		errs = append(errs, "rate_limit.delay_between_requests_ms cannot be negative")
	}

	if c.Scraping.MaxConversations < 0 {
		errs = append(errs, "scraping.max_conversations cannot be negative")
	}
	if c.Scraping.MaxRetries <= 0 {
		errs = append(errs, "scraping.max_retries must be positive")
	}
	if c.Scraping.BackoffBaseMs <= 0 {
		errs = append(errs, "scraping.backoff_base_ms must be positive")
	}
	if c.Scraping.BackoffMaxMs < c.Scraping.BackoffBaseMs {
		errs = append(errs, "scraping.backoff_max_ms must be >= backoff_base_ms")
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path cannot be empty")
	}
	if !store.MergePolicy(c.Store.MergePolicy).Valid() {
		errs = append(errs, fmt.Sprintf("store.merge_policy must be %q or %q", store.MergeSkip, store.MergeOverwrite))
	}

	if c.Output.Directory == "" {
		errs = append(errs, "output.directory cannot be empty")
	}
	switch c.Output.Format {
	case "json", "csv":
	default:
		errs = append(errs, "output.format must be one of: json, csv")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	return errs
}

// BackoffBase returns the backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Scraping.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the backoff ceiling as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Scraping.BackoffMaxMs) * time.Millisecond
}

// TimeoutDuration returns the per-request HTTP timeout as a duration.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Scraping.TimeoutSeconds) * time.Second
}

// MinRequestInterval returns the fixed request spacing as a duration.
func (c *Config) MinRequestInterval() time.Duration {
	return time.Duration(c.RateLimit.DelayBetweenRequestsMs) * time.Millisecond
}
