// Package config loads service settings: built-in defaults, then an optional
// YAML file named by WEBHOOKD_CONFIG, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port            string        `yaml:"port"`
	DatabaseURL     string        `yaml:"databaseUrl"`
	DBMigrate       bool          `yaml:"dbMigrate"`
	RedisURL        string        `yaml:"redisUrl"`
	EventStream     string        `yaml:"eventStream"`
	EventGroup      string        `yaml:"eventGroup"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	Log      LogConfig     `yaml:"log"`
	Webhooks WebhookConfig `yaml:"webhooks"`
	Rate     RateConfig    `yaml:"rate"`
	Auth     AuthConfig    `yaml:"auth"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

type WebhookConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queueSize"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	StalePending   time.Duration `yaml:"stalePending"`
	CacheTTL       time.Duration `yaml:"cacheTtl"`
	CacheSize      int           `yaml:"cacheSize"`
}

// RateConfig limits management API calls per client; RPS 0 disables limiting.
type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmacSecret"`
}

func Default() Config {
	return Config{
		Port:            "8080",
		EventStream:     "hr:domain-events",
		EventGroup:      "webhookd",
		ShutdownTimeout: 30 * time.Second,
		Log:             LogConfig{Level: "info", Format: "json"},
		Webhooks: WebhookConfig{
			Workers:        16,
			QueueSize:      1024,
			RetryInterval:  time.Minute,
			AttemptTimeout: 30 * time.Second,
			StalePending:   5 * time.Minute,
			CacheTTL:       30 * time.Second,
			CacheSize:      4096,
		},
		Rate: RateConfig{RPS: 20, Burst: 40},
		Auth: AuthConfig{Mode: "dev"},
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("WEBHOOKD_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.EventStream = getEnv("EVENT_STREAM", c.EventStream)
	c.EventGroup = getEnv("EVENT_GROUP", c.EventGroup)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Auth.Mode = getEnv("AUTH_MODE", c.Auth.Mode)
	c.Auth.HMACSecret = getEnv("AUTH_HMAC_SECRET", c.Auth.HMACSecret)

	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DB_MIGRATE: %w", err))
		} else {
			c.DBMigrate = b
		}
	}
	if v := os.Getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_RPS: %w", err))
		} else {
			c.Rate.RPS = f
		}
	}
	intVar("WEBHOOK_WORKERS", &c.Webhooks.Workers)
	intVar("WEBHOOK_QUEUE_SIZE", &c.Webhooks.QueueSize)
	intVar("ENDPOINT_CACHE_SIZE", &c.Webhooks.CacheSize)
	intVar("RATE_BURST", &c.Rate.Burst)
	durationVar("WEBHOOK_RETRY_INTERVAL", &c.Webhooks.RetryInterval)
	durationVar("WEBHOOK_ATTEMPT_TIMEOUT", &c.Webhooks.AttemptTimeout)
	durationVar("WEBHOOK_STALE_PENDING", &c.Webhooks.StalePending)
	durationVar("ENDPOINT_CACHE_TTL", &c.Webhooks.CacheTTL)
	durationVar("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	return errors.Join(errs...)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.Webhooks.Workers <= 0 {
		return fmt.Errorf("webhook workers must be positive")
	}
	if c.Webhooks.QueueSize <= 0 {
		return fmt.Errorf("webhook queue size must be positive")
	}
	if c.Webhooks.RetryInterval < time.Second {
		return fmt.Errorf("retry interval must be at least 1s")
	}
	if c.Webhooks.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive")
	}
	if c.Webhooks.StalePending < 0 || c.Webhooks.CacheTTL < 0 || c.Webhooks.CacheSize < 0 {
		return fmt.Errorf("stale pending, cache ttl and cache size must not be negative")
	}
	if c.Rate.RPS < 0 || c.Rate.Burst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	switch strings.ToLower(c.Auth.Mode) {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return fmt.Errorf("AUTH_HMAC_SECRET is required for hmac auth")
		}
	default:
		return fmt.Errorf("invalid auth mode: %s (must be dev or hmac)", c.Auth.Mode)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger from the log settings.
func NewLogger(c LogConfig) *logrus.Logger {
	logger := logrus.New()
	if strings.ToLower(c.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
