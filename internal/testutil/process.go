package testutil

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrKilled is returned by FakeProcess.Wait after Kill.
var ErrKilled = errors.New("process killed")

// FakeProcess is a scripted child process. It prints its output lines, then
// either exits with its exit code or, when hanging, runs until killed.
type FakeProcess struct {
	lines  chan string
	kill   chan struct{}
	exited chan struct{}
	code   int

	killOnce sync.Once
	killed   atomic.Bool
}

// NewFakeProcess starts a process that prints output and exits with code.
func NewFakeProcess(code int, output ...string) *FakeProcess {
	return startFake(code, false, output)
}

// NewHangingProcess starts a process that prints output and then runs until
// killed.
func NewHangingProcess(output ...string) *FakeProcess {
	return startFake(-1, true, output)
}

func startFake(code int, hang bool, output []string) *FakeProcess {
	p := &FakeProcess{
		lines:  make(chan string),
		kill:   make(chan struct{}),
		exited: make(chan struct{}),
		code:   code,
	}
	go func() {
		defer close(p.exited)
		defer close(p.lines)
		for _, line := range output {
			select {
			case p.lines <- line:
			case <-p.kill:
				return
			}
		}
		if hang {
			<-p.kill
		}
	}()
	return p
}

// Lines returns the output channel.
func (p *FakeProcess) Lines() <-chan string { return p.lines }

// Wait blocks until the process exited.
func (p *FakeProcess) Wait() (int, error) {
	<-p.exited
	if p.killed.Load() {
		return -1, ErrKilled
	}
	return p.code, nil
}

// Kill stops the process.
func (p *FakeProcess) Kill() error {
	p.killOnce.Do(func() {
		p.killed.Store(true)
		close(p.kill)
	})
	return nil
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool { return p.killed.Load() }

// Exited reports whether the process has ended.
func (p *FakeProcess) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}
