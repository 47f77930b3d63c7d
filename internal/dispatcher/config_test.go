package dispatcher

import (
	"testing"
	"time"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	defaults := MemoryConfig{
		BufferSize:  1000,
		Workers:     4,
		HTTPTimeout: 10 * time.Second,
		MaxRetries:  3,
		Backoff:     100 * time.Millisecond,
	}
	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{"zero values", MemoryConfig{}, defaults},
		{
			"negative values",
			MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxRetries: -1, Backoff: -1},
			MemoryConfig{BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, MaxRetries: 0, Backoff: 100 * time.Millisecond},
		},
		{
			"valid values are kept",
			MemoryConfig{BufferSize: 50, Workers: 2, HTTPTimeout: time.Second, MaxRetries: 5, Backoff: time.Millisecond},
			MemoryConfig{BufferSize: 50, Workers: 2, HTTPTimeout: time.Second, MaxRetries: 5, Backoff: time.Millisecond},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("REALISE_NOTIFY_WORKERS", "7")
	t.Setenv("REALISE_NOTIFY_HTTP_TIMEOUT", "2s")
	t.Setenv("REALISE_NOTIFY_MAX_RETRIES", "-1")

	cfg := LoadConfigFromEnv()
	if cfg.Workers != 7 || cfg.HTTPTimeout != 2*time.Second || cfg.MaxRetries != 0 || cfg.BufferSize != 1000 {
		t.Errorf("unexpected config %+v", cfg)
	}
}
