package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return true
	}, WithTimeout(time.Second))

	if !result {
		t.Error("expected WaitFor to return true for immediate success")
	}
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	counter := 0
	result := WaitFor(t, func() bool {
		counter++
		return counter >= 3
	}, WithTimeout(time.Second), WithInterval(time.Millisecond))

	if !result {
		t.Error("expected WaitFor to return true for eventual success")
	}
	if counter < 3 {
		t.Errorf("expected counter >= 3, got %d", counter)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return false
	}, WithTimeout(20*time.Millisecond), WithInterval(time.Millisecond))

	if result {
		t.Error("expected WaitFor to return false on timeout")
	}
}

func TestCancelWhen(t *testing.T) {
	t.Parallel()
	var ready, cancelled atomic.Bool

	done := CancelWhen(t, func() { cancelled.Store(true) }, ready.Load, WithInterval(time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	if cancelled.Load() {
		t.Fatal("cancelled before the condition held")
	}

	ready.Store(true)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel was not called")
	}
	if !cancelled.Load() {
		t.Error("expected cancel to have been called")
	}
}

func TestCancelWhen_Timeout(t *testing.T) {
	t.Parallel()
	var cancelled atomic.Bool
	done := CancelWhen(t, func() { cancelled.Store(true) }, func() bool { return false },
		WithTimeout(10*time.Millisecond), WithInterval(time.Millisecond))
	<-done
	if !cancelled.Load() {
		t.Error("expected cancel after the timeout")
	}
}

func TestFakeProcess_Exits(t *testing.T) {
	t.Parallel()
	p := NewFakeProcess(3, "one", "two")

	var lines []string
	for line := range p.Lines() {
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Errorf("unexpected lines %v", lines)
	}
	code, err := p.Wait()
	if err != nil || code != 3 {
		t.Errorf("Wait() = %d, %v, want 3, nil", code, err)
	}
	if !p.Exited() || p.Killed() {
		t.Error("expected an exited, not killed process")
	}
}

func TestFakeProcess_HangsUntilKilled(t *testing.T) {
	t.Parallel()
	p := NewHangingProcess("started")
	if line := <-p.Lines(); line != "started" {
		t.Fatalf("unexpected line %q", line)
	}
	MustWaitFor(t, func() bool { return !p.Exited() }, WithTimeout(10*time.Millisecond))

	if err := p.Kill(); err != nil {
		t.Fatal(err)
	}
	_ = p.Kill()
	code, err := p.Wait()
	if code != -1 || err != ErrKilled {
		t.Errorf("Wait() = %d, %v, want -1, ErrKilled", code, err)
	}
	if !p.Killed() {
		t.Error("expected Killed to be true")
	}
}
