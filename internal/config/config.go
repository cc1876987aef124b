// Package config loads and validates app config from env and an optional
// .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr enables the Redis permission cache when set (host:port).
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis auth password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// AuthSecret is the HMAC signing secret for access and refresh tokens.
	AuthSecret string `mapstructure:"AUTH_SECRET"`
	// AuthIssuer is the iss claim on minted tokens.
	AuthIssuer string `mapstructure:"AUTH_ISSUER"`
	// AccessTokenTTL is the access token lifetime (e.g. "15m").
	AccessTokenTTL string `mapstructure:"ACCESS_TOKEN_TTL"`
	// RefreshTokenTTL is the refresh token lifetime (e.g. "336h").
	RefreshTokenTTL string `mapstructure:"REFRESH_TOKEN_TTL"`
	// PermissionCacheTTL bounds staleness of cached permission sets.
	PermissionCacheTTL string `mapstructure:"PERMISSION_CACHE_TTL"`
	// BcryptCost is the bcrypt cost factor (4-31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// RateLimitRPS caps sustained requests per second per client.
	RateLimitRPS float64 `mapstructure:"RATE_LIMIT_RPS"`
	// RateLimitBurst caps the burst size per client.
	RateLimitBurst int `mapstructure:"RATE_LIMIT_BURST"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("AUTH_ISSUER", "planora")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "336h") // 14d
	v.SetDefault("PERMISSION_CACHE_TTL", "5m")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("RATE_LIMIT_RPS", 20.0)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.AuthSecret == "" && cfg.Env == "production" {
		return nil, errors.New("config: AUTH_SECRET must be set when APP_ENV=production")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		return nil, errors.New("config: rate limit values must be positive")
	}

	return &cfg, nil
}

// AccessTTL parses AccessTokenTTL as a time.Duration. Returns 15m if unset
// or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.AccessTokenTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTTL parses RefreshTokenTTL as a time.Duration. Returns 336h if
// unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := time.ParseDuration(c.RefreshTokenTTL)
	if err != nil || d <= 0 {
		return 336 * time.Hour
	}
	return d
}

// CacheTTL parses PermissionCacheTTL as a time.Duration. Returns 5m if
// unset or invalid.
func (c *Config) CacheTTL() time.Duration {
	d, err := time.ParseDuration(c.PermissionCacheTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
