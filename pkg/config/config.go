// Package config loads runtime settings from the environment, optionally
// seeded by a YAML file. Environment variables win over file values; every
// knob has a default, so a bare `spined serve` works against local SQLite.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full set of runtime settings.
type Config struct {
	Port     string `yaml:"port"`
	MockPort string `yaml:"mock_port"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL   string `yaml:"database_url"`
	DownstreamURL string `yaml:"downstream_url"`
	RedisAddr     string `yaml:"redis_addr"`

	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`

	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`
	WorkerConcurrency  int           `yaml:"worker_concurrency"`
	DownstreamTimeout  time.Duration `yaml:"downstream_timeout"`

	StaleProcessingThreshold time.Duration `yaml:"stale_processing_threshold"`

	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	MockFailureRate float64 `yaml:"mock_failure_rate"`
}

// Default returns the built-in settings before any file or env override.
func Default() *Config {
	return &Config{
		Port:                     "8080",
		MockPort:                 "8081",
		LogLevel:                 "INFO",
		DatabaseURL:              "file:spine.db?_pragma=busy_timeout(5000)",
		DownstreamURL:            "http://localhost:8081/third_party/mock",
		MaxRetryAttempts:         5,
		InitialRetryDelay:        1 * time.Second,
		MaxRetryDelay:            60 * time.Second,
		WorkerPollInterval:       2 * time.Second,
		WorkerConcurrency:        10,
		DownstreamTimeout:        10 * time.Second,
		StaleProcessingThreshold: 60 * time.Second,
		RateLimitRPS:             100,
		RateLimitBurst:           200,
		MockFailureRate:          0.3,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// SPINE_CONFIG_FILE (if set), then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SPINE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.MockPort, "MOCK_PORT")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.DownstreamURL, "DOWNSTREAM_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")

	var err error
	if err = overrideInt(&cfg.MaxRetryAttempts, "MAX_RETRY_ATTEMPTS"); err != nil {
		return nil, err
	}
	if err = overrideDuration(&cfg.InitialRetryDelay, "INITIAL_RETRY_DELAY"); err != nil {
		return nil, err
	}
	if err = overrideDuration(&cfg.MaxRetryDelay, "MAX_RETRY_DELAY"); err != nil {
		return nil, err
	}
	if err = overrideDuration(&cfg.WorkerPollInterval, "WORKER_POLL_INTERVAL"); err != nil {
		return nil, err
	}
	if err = overrideInt(&cfg.WorkerConcurrency, "WORKER_CONCURRENCY"); err != nil {
		return nil, err
	}
	if err = overrideDuration(&cfg.DownstreamTimeout, "DOWNSTREAM_TIMEOUT"); err != nil {
		return nil, err
	}
	if err = overrideDuration(&cfg.StaleProcessingThreshold, "STALE_PROCESSING_THRESHOLD"); err != nil {
		return nil, err
	}
	if err = overrideInt(&cfg.RateLimitRPS, "RATE_LIMIT_RPS"); err != nil {
		return nil, err
	}
	if err = overrideInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST"); err != nil {
		return nil, err
	}
	if err = overrideFloat(&cfg.MockFailureRate, "MOCK_FAILURE_RATE"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("config: MAX_RETRY_ATTEMPTS must be at least 1, got %d", c.MaxRetryAttempts)
	}
	if c.InitialRetryDelay <= 0 || c.MaxRetryDelay <= 0 {
		return fmt.Errorf("config: retry delays must be positive")
	}
	if c.InitialRetryDelay > c.MaxRetryDelay {
		return fmt.Errorf("config: INITIAL_RETRY_DELAY %s exceeds MAX_RETRY_DELAY %s",
			c.InitialRetryDelay, c.MaxRetryDelay)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.MockFailureRate < 0 || c.MockFailureRate > 1 {
		return fmt.Errorf("config: MOCK_FAILURE_RATE must be in [0,1], got %g", c.MockFailureRate)
	}
	return nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not an integer: %w", key, v, err)
	}
	*dst = n
	return nil
}

func overrideFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a number: %w", key, v, err)
	}
	*dst = f
	return nil
}

// overrideDuration accepts Go duration syntax ("2s", "500ms") and, for
// compatibility with older deployments, bare integers meaning seconds.
func overrideDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a duration: %w", key, v, err)
	}
	*dst = d
	return nil
}
