package notify

import (
	"jobexec/internal/config"
	"time"
)

// Config holds configuration for the in-memory notifier.
type Config struct {
	BufferSize       int           // pending events buffer (default: 10000)
	Workers          int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	MaxRetries       int           // retries after the first attempt (default: 3)
	InitialBackoff   time.Duration // first retry delay (default: 100ms)
	MaxBackoff       time.Duration // retry delay ceiling (default: 5s)
	BreakerThreshold int           // consecutive failures that open a host breaker (default: 5)
	BreakerCooldown  time.Duration // open duration and requeue delay (default: 30s)
	MaxRequeues      int           // requeues before an event is dropped (default: 10)
	UserAgent        string
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:       config.GetIntEnv("NOTIFY_BUFFER_SIZE", 10000),
		Workers:          config.GetIntEnv("NOTIFY_WORKERS", 10),
		HTTPTimeout:      config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.UserAgent == "" {
		c.UserAgent = "jobexec-notifier"
	}
	return c
}
