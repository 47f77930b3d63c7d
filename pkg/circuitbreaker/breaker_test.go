package circuitbreaker

import (
	"slices"
	"testing"
	"time"
)

// clock is a settable time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	b := New(Config{Threshold: threshold, Cooldown: cooldown})
	b.now = c.now
	return b, c
}

func TestNew_WithDefaults(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{{}, {Threshold: -1, Cooldown: -1}} {
		b := New(cfg)
		if b.cfg != DefaultConfig() {
			t.Errorf("New(%+v) config = %+v, want defaults", cfg, b.cfg)
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("refused after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != Open || b.Allow() {
		t.Errorf("expected an open breaker refusing calls, got %s", b.State())
	}
	if b.Failures() != 3 {
		t.Errorf("Failures() = %d, want 3", b.Failures())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("failures were not consecutive, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	c.advance(59 * time.Second)
	if b.Allow() {
		t.Fatal("allowed during cooldown")
	}

	c.advance(time.Second)
	if !b.Allow() || b.State() != HalfOpen {
		t.Fatalf("expected a half-open probe after the cooldown, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != Open || b.Allow() {
		t.Fatalf("failed probe should reopen, got %s", b.State())
	}

	c.advance(time.Minute)
	if !b.Allow() {
		t.Fatal("expected another probe after a second cooldown")
	}
	b.RecordSuccess()
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("successful probe should close, got %s with %d failures", b.State(), b.Failures())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[State]string{
		Closed:    "closed",
		Open:      "open",
		HalfOpen:  "half-open",
		State(99): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Unix(1700000000, 0)}
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})
	r.now = c.now

	alpine := r.Get("alpine:latest")
	if r.Get("alpine:latest") != alpine {
		t.Fatal("Get returned a different breaker for the same key")
	}
	r.Get("busybox:latest").RecordSuccess()
	r.Get("nixos/nix:latest").RecordFailure()
	alpine.RecordFailure()

	if got := r.Open(); !slices.Equal(got, []string{"alpine:latest", "nixos/nix:latest"}) {
		t.Errorf("Open() = %v", got)
	}
	if got := r.Stats(); got != (Stats{Total: 3, Open: 2, Closed: 1}) {
		t.Errorf("Stats() = %+v", got)
	}

	c.advance(time.Minute)
	alpine.Allow()
	if got := r.Stats(); got != (Stats{Total: 3, Open: 1, HalfOpen: 1, Closed: 1}) {
		t.Errorf("Stats() after cooldown = %+v", got)
	}
}
