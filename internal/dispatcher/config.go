package dispatcher

import (
	"realiser/internal/config"
	"time"
)

// Delivery defaults that rarely need tuning.
const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	deliveryTimeout         = 30 * time.Second
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  int           // retries after the first attempt (default: 3, negative for none)
	Backoff     time.Duration // first retry delay, doubled per retry (default: 100ms)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("REALISE_NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("REALISE_NOTIFY_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("REALISE_NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("REALISE_NOTIFY_MAX_RETRIES", 3),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	return c
}
