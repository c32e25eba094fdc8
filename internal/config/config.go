// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrAPIBaseURLRequired is returned when API_BASE_URL is not set.
	ErrAPIBaseURLRequired = errors.New("config: API_BASE_URL is required")
	// ErrRedisAddrRequired is returned when SESSION_STORE=redis and REDIS_ADDR is not set.
	ErrRedisAddrRequired = errors.New("config: REDIS_ADDR is required when SESSION_STORE=redis")
	// ErrInvalidSessionStore is returned for an unknown SESSION_STORE value.
	ErrInvalidSessionStore = errors.New("config: SESSION_STORE must be file, redis or memory")
)

// Session store kinds.
const (
	SessionStoreFile   = "file"
	SessionStoreRedis  = "redis"
	SessionStoreMemory = "memory"
)

// dotEnvFiles are loaded, in order, before the environment is read. A file
// never overrides a variable that is already set, so .env.local wins over
// .env and the real environment wins over both.
var dotEnvFiles = []string{".env.local", ".env"}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`

	// Backend settings
	APIBaseURL     string        `env:"API_BASE_URL, required" json:"api_base_url"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT, default=60s" json:"request_timeout"`

	// Session persistence
	SessionStore   string `env:"SESSION_STORE, default=file" json:"session_store"` // "file", "redis" or "memory"
	SessionFile    string `env:"SESSION_FILE, default=.manimstudio/session.json" json:"session_file"`
	RedisAddr      string `env:"REDIS_ADDR" json:"redis_addr,omitempty"`
	RedisPassword  string `env:"REDIS_PASSWORD" json:"-"` // Masked in JSON
	RedisDB        int    `env:"REDIS_DB, default=0" json:"redis_db"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX, default=manimstudio:session:" json:"redis_key_prefix"`

	// Archive settings
	OutputDir   string `env:"OUTPUT_DIR, default=/tmp/manimstudio" json:"output_dir"`
	AutoArchive bool   `env:"AUTO_ARCHIVE, default=false" json:"auto_archive"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads .env files, if present, and then configuration from environment
// variables using go-envconfig. It returns an error if required variables
// are not set.
func Load() (*Config, error) {
	for _, f := range dotEnvFiles {
		// A missing file is not an error.
		_ = godotenv.Load(f)
	}

	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "API_BASE_URL") {
			return nil, ErrAPIBaseURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return ErrAPIBaseURLRequired
	}
	switch c.SessionStore {
	case SessionStoreFile, SessionStoreMemory:
	case SessionStoreRedis:
		if c.RedisAddr == "" {
			return ErrRedisAddrRequired
		}
	default:
		return ErrInvalidSessionStore
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, APIBaseURL: %s, RequestTimeout: %s, SessionStore: %s, SessionFile: %s, RedisAddr: %s, OutputDir: %s, AutoArchive: %t, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.APIBaseURL,
		c.RequestTimeout,
		c.SessionStore,
		c.SessionFile,
		c.RedisAddr,
		c.OutputDir,
		c.AutoArchive,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
