// Package config carries the process configuration: defaults, functional
// options for programmatic overrides and YAML file loading for deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Redis       RedisConfig
	HTTP        HTTPConfig
	Cache       CacheConfig
	Consistency ConsistencyConfig
	RateLimit   RateLimitConfig

	Logger *zap.Logger
}

// RedisConfig locates the shared key-value store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string
}

// CacheConfig configures the cache-aside layer.
type CacheConfig struct {
	EntryTTL         time.Duration
	LockTTL          time.Duration
	WaitTimeout      time.Duration
	PollInterval     time.Duration
	EnableLocalTier  bool
	LocalTierMaxCost int64
	EnableMissFilter bool
}

// ConsistencyConfig configures the consistency monitor.
type ConsistencyConfig struct {
	SweepInterval  time.Duration
	StaleThreshold float64
	StalePenalty   float64
	ErrorPenalty   float64
	RefreshTimeout time.Duration
}

// RateLimitConfig configures HTTP admission control.
type RateLimitConfig struct {
	Limit    int
	Window   time.Duration
	FailOpen bool
}

// Option overrides part of the default configuration.
type Option func(*Config) error

// New builds a Config from defaults and options.
func New(options ...Option) (*Config, error) {
	cfg := &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Cache: CacheConfig{
			EntryTTL:         5 * time.Minute,
			LockTTL:          10 * time.Second,
			WaitTimeout:      2 * time.Second,
			PollInterval:     50 * time.Millisecond,
			EnableLocalTier:  true,
			LocalTierMaxCost: 64 << 20,
			EnableMissFilter: false,
		},
		Consistency: ConsistencyConfig{
			SweepInterval:  30 * time.Second,
			StaleThreshold: 0.1,
			StalePenalty:   5,
			ErrorPenalty:   10,
			RefreshTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Limit:    100,
			Window:   time.Minute,
			FailOpen: true,
		},
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return errors.New("redis addr is required")
	}
	if c.Cache.EntryTTL <= 0 || c.Cache.LockTTL <= 0 {
		return errors.New("cache ttls must be positive")
	}
	if c.Consistency.StaleThreshold <= 0 || c.Consistency.StaleThreshold >= 1 {
		return errors.New("stale threshold must be in (0,1)")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit and window must be positive")
	}
	return nil
}

// WithLogger sets the process logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithRedisAddr overrides the store address.
func WithRedisAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return errors.New("redis addr cannot be empty")
		}
		c.Redis.Addr = addr
		return nil
	}
}

// WithEntryTTL overrides the default cache entry lifetime.
func WithEntryTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return errors.New("entry ttl must be positive")
		}
		c.Cache.EntryTTL = ttl
		return nil
	}
}

// WithRateLimit overrides the HTTP admission policy.
func WithRateLimit(limit int, window time.Duration, failOpen bool) Option {
	return func(c *Config) error {
		if limit <= 0 || window <= 0 {
			return errors.New("rate limit and window must be positive")
		}
		c.RateLimit = RateLimitConfig{Limit: limit, Window: window, FailOpen: failOpen}
		return nil
	}
}

// fileConfig is the YAML shape. Durations are plain seconds so deployment
// files stay arithmetic-free.
type fileConfig struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Cache struct {
		EntryTTLSeconds    int   `yaml:"entry_ttl_seconds"`
		LockTTLSeconds     int   `yaml:"lock_ttl_seconds"`
		WaitTimeoutMillis  int   `yaml:"wait_timeout_millis"`
		PollIntervalMillis int   `yaml:"poll_interval_millis"`
		EnableLocalTier    *bool `yaml:"enable_local_tier"`
		LocalTierMaxCost   int64 `yaml:"local_tier_max_cost"`
		EnableMissFilter   *bool `yaml:"enable_miss_filter"`
	} `yaml:"cache"`
	Consistency struct {
		SweepIntervalSeconds  int     `yaml:"sweep_interval_seconds"`
		StaleThreshold        float64 `yaml:"stale_threshold"`
		StalePenalty          float64 `yaml:"stale_penalty"`
		ErrorPenalty          float64 `yaml:"error_penalty"`
		RefreshTimeoutSeconds int     `yaml:"refresh_timeout_seconds"`
	} `yaml:"consistency"`
	RateLimit struct {
		Limit         int   `yaml:"limit"`
		WindowSeconds int   `yaml:"window_seconds"`
		FailOpen      *bool `yaml:"fail_open"`
	} `yaml:"rate_limit"`
}

// WithFile layers a YAML file over the defaults. Absent fields keep their
// current values.
func WithFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}

		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}

		if fc.Redis.Addr != "" {
			c.Redis.Addr = fc.Redis.Addr
		}
		if fc.Redis.Password != "" {
			c.Redis.Password = fc.Redis.Password
		}
		if fc.Redis.DB != 0 {
			c.Redis.DB = fc.Redis.DB
		}
		if fc.HTTP.Addr != "" {
			c.HTTP.Addr = fc.HTTP.Addr
		}
		if fc.Cache.EntryTTLSeconds > 0 {
			c.Cache.EntryTTL = time.Duration(fc.Cache.EntryTTLSeconds) * time.Second
		}
		if fc.Cache.LockTTLSeconds > 0 {
			c.Cache.LockTTL = time.Duration(fc.Cache.LockTTLSeconds) * time.Second
		}
		if fc.Cache.WaitTimeoutMillis > 0 {
			c.Cache.WaitTimeout = time.Duration(fc.Cache.WaitTimeoutMillis) * time.Millisecond
		}
		if fc.Cache.PollIntervalMillis > 0 {
			c.Cache.PollInterval = time.Duration(fc.Cache.PollIntervalMillis) * time.Millisecond
		}
		if fc.Cache.EnableLocalTier != nil {
			c.Cache.EnableLocalTier = *fc.Cache.EnableLocalTier
		}
		if fc.Cache.LocalTierMaxCost > 0 {
			c.Cache.LocalTierMaxCost = fc.Cache.LocalTierMaxCost
		}
		if fc.Cache.EnableMissFilter != nil {
			c.Cache.EnableMissFilter = *fc.Cache.EnableMissFilter
		}
		if fc.Consistency.SweepIntervalSeconds > 0 {
			c.Consistency.SweepInterval = time.Duration(fc.Consistency.SweepIntervalSeconds) * time.Second
		}
		if fc.Consistency.StaleThreshold > 0 {
			c.Consistency.StaleThreshold = fc.Consistency.StaleThreshold
		}
		if fc.Consistency.StalePenalty > 0 {
			c.Consistency.StalePenalty = fc.Consistency.StalePenalty
		}
		if fc.Consistency.ErrorPenalty > 0 {
			c.Consistency.ErrorPenalty = fc.Consistency.ErrorPenalty
		}
		if fc.Consistency.RefreshTimeoutSeconds > 0 {
			c.Consistency.RefreshTimeout = time.Duration(fc.Consistency.RefreshTimeoutSeconds) * time.Second
		}
		if fc.RateLimit.Limit > 0 {
			c.RateLimit.Limit = fc.RateLimit.Limit
		}
		if fc.RateLimit.WindowSeconds > 0 {
			c.RateLimit.Window = time.Duration(fc.RateLimit.WindowSeconds) * time.Second
		}
		if fc.RateLimit.FailOpen != nil {
			c.RateLimit.FailOpen = *fc.RateLimit.FailOpen
		}
		return nil
	}
}
