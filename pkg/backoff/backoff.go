// Package backoff computes retry delays and sleeps them.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. Values
	// outside (0, 1] disable it.
	Jitter float64
}

func (c *Config) bounds() (initial, maxDelay time.Duration) {
	initial, maxDelay = 100*time.Millisecond, 5*time.Second
	if c == nil {
		return initial, maxDelay
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxDelay = c.Max
	}
	return initial, maxDelay
}

// Exponential returns the delay before the given attempt. Attempt 1
// returns initial, attempt 2 initial*2, and so on up to the maximum.
// Jitter is not applied.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

// Delay is Exponential with the configured jitter applied.
func Delay(attempt int, cfg *Config) time.Duration {
	d := Exponential(attempt, cfg)
	if cfg == nil || cfg.Jitter <= 0 || cfg.Jitter > 1 {
		return d
	}
	spread := float64(d) * cfg.Jitter
	return d - time.Duration(rand.Float64()*spread)
}

// Wait sleeps for Delay(attempt, cfg) or until ctx is done, in which
// case it returns ctx.Err().
func Wait(ctx context.Context, attempt int, cfg *Config) error {
	t := time.NewTimer(Delay(attempt, cfg))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
