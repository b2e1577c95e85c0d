package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	LogLevel               string        `mapstructure:"LOG_LEVEL"`
	Storage                string        `mapstructure:"STORAGE"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL               string        `mapstructure:"REDIS_URL"`
	IndexCacheTTL          time.Duration `mapstructure:"INDEX_CACHE_TTL"`
	IndexSweepInterval     time.Duration `mapstructure:"INDEX_SWEEP_INTERVAL"`
	AuthIssuer             string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey         string        `mapstructure:"AUTH_SIGNING_KEY"`
	BodyLimit              string        `mapstructure:"BODY_LIMIT"`
	SupportedResourceTypes string        `mapstructure:"SUPPORTED_RESOURCE_TYPES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("INDEX_CACHE_TTL", "5m")
	v.SetDefault("INDEX_SWEEP_INTERVAL", "0s")
	v.SetDefault("BODY_LIMIT", "1M")

	// Unmarshal only sees env vars that are bound.
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "INDEX_CACHE_TTL", "INDEX_SWEEP_INTERVAL", "AUTH_ISSUER", "AUTH_AUDIENCE",
		"AUTH_SIGNING_KEY", "BODY_LIMIT", "SUPPORTED_RESOURCE_TYPES",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResourceTypes returns the configured resource types, or nil for "every
// known type".
func (c *Config) ResourceTypes() []string {
	var out []string
	for _, t := range strings.Split(c.SupportedResourceTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is required so every request is authenticated.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}
	if c.IndexCacheTTL < 0 {
		return fmt.Errorf("INDEX_CACHE_TTL must not be negative, got %s", c.IndexCacheTTL)
	}
	// redis stores a zero expiration without a TTL.
	if c.RedisURL != "" && c.IndexCacheTTL == 0 {
		return fmt.Errorf("INDEX_CACHE_TTL must be positive when REDIS_URL is set")
	}
	if c.IndexSweepInterval < 0 {
		return fmt.Errorf("INDEX_SWEEP_INTERVAL must not be negative, got %s", c.IndexSweepInterval)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
