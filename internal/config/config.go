package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	EventsLog   = "log"
	EventsNATS  = "nats"
	EventsRedis = "redis"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json" or "console".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	PGMaxConns   int32  `mapstructure:"PG_MAX_CONNS"`
	PGMinConns   int32  `mapstructure:"PG_MIN_CONNS"`
	RedisURL     string `mapstructure:"REDIS_URL"`

	EventsBackend       string `mapstructure:"EVENTS_BACKEND"`
	NATSURL             string `mapstructure:"NATS_URL"`
	EventsSubjectPrefix string `mapstructure:"EVENTS_SUBJECT_PREFIX"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxCommitAttempts int           `mapstructure:"MAX_COMMIT_ATTEMPTS"`
	MetricsEnabled    bool          `mapstructure:"METRICS_ENABLED"`
}

var defaults = map[string]interface{}{
	"PORT":                  "8000",
	"ENV":                   "development",
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "json",
	"STORE_BACKEND":         StoreMemory,
	"DATABASE_URL":          "",
	"PG_MAX_CONNS":          20,
	"PG_MIN_CONNS":          2,
	"REDIS_URL":             "",
	"EVENTS_BACKEND":        EventsLog,
	"NATS_URL":              "nats://127.0.0.1:4222",
	"EVENTS_SUBJECT_PREFIX": "agenda.events",
	"AUTH_SIGNING_KEY":      "",
	"AUTH_ISSUER":           "",
	"AUTH_AUDIENCE":         "",
	"RATE_LIMIT_RPS":        50,
	"RATE_LIMIT_BURST":      100,
	"REQUEST_TIMEOUT":       "15s",
	"MAX_COMMIT_ATTEMPTS":   3,
	"METRICS_ENABLED":       true,
}

// Load reads configuration from the environment, falling back to an
// optional .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		// Unmarshal only sees env vars that are bound explicitly.
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.EventsBackend = strings.ToLower(strings.TrimSpace(cfg.EventsBackend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside
// development a signing key is mandatory so every request is authenticated.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND is %q", StoreRedis)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, postgres or redis, got %q", c.StoreBackend)
	}

	switch c.EventsBackend {
	case EventsLog:
	case EventsNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when EVENTS_BACKEND is %q", EventsNATS)
		}
	case EventsRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENTS_BACKEND is %q", EventsRedis)
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be log, nats or redis, got %q", c.EventsBackend)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.MaxCommitAttempts < 1 {
		return fmt.Errorf("MAX_COMMIT_ATTEMPTS must be at least 1, got %d", c.MaxCommitAttempts)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.PGMinConns > c.PGMaxConns {
		return fmt.Errorf("PG_MIN_CONNS (%d) exceeds PG_MAX_CONNS (%d)", c.PGMinConns, c.PGMaxConns)
	}
	return nil
}
