package worker

import (
	"context"
	"realiser/internal/goal"
	"time"
)

// tailLines is how many output lines of a child are kept for error reports.
const tailLines = 25

type child struct {
	goal goal.ID
	proc goal.Process
	opts goal.ChildOptions

	started    time.Time
	lastOutput time.Time
	tail       []string
	timedOut   bool

	stop chan struct{} // closed when the worker stops listening
}

type childEvent struct {
	child  *child
	line   string
	exited bool
	code   int
	err    error
}

func (w *Worker) startChild(e *entry, p goal.Process, opts goal.ChildOptions) {
	if e.child != nil {
		w.detachChild(e)
	}
	if opts.MaxSilentTime == 0 {
		opts.MaxSilentTime = w.cfg.MaxSilentTime
	}
	if opts.Timeout == 0 {
		opts.Timeout = w.cfg.BuildTimeout
	}
	now := time.Now()
	c := &child{
		goal:       e.id,
		proc:       p,
		opts:       opts,
		started:    now,
		lastOutput: now,
		stop:       make(chan struct{}),
	}
	e.child = c
	e.exit = goal.ChildExit{}
	w.children[e.id] = c
	go w.relay(c)
	e.logger.Debug("Child started")
}

// relay forwards the child's output and exit to the control loop. Once stop
// is closed it only drains the process so that it can exit.
func (w *Worker) relay(c *child) {
	lines := c.proc.Lines()
	for line := range lines {
		select {
		case w.events <- childEvent{child: c, line: line}:
		case <-c.stop:
			for range lines {
			}
			_, _ = c.proc.Wait()
			return
		}
	}
	code, err := c.proc.Wait()
	select {
	case w.events <- childEvent{child: c, exited: true, code: code, err: err}:
	case <-c.stop:
	}
}

func (w *Worker) handleEvent(ev childEvent) {
	c := ev.child
	if w.children[c.goal] != c {
		return // detached
	}
	e, ok := w.goals[c.goal]
	if !ok {
		return
	}

	if !ev.exited {
		c.lastOutput = time.Now()
		c.tail = append(c.tail, ev.line)
		if len(c.tail) > tailLines {
			c.tail = c.tail[len(c.tail)-tailLines:]
		}
		e.logger.Debug(ev.line)
		return
	}

	delete(w.children, c.goal)
	close(c.stop)
	e.child = nil
	e.exit = goal.ChildExit{Code: ev.code, Err: ev.err, TimedOut: c.timedOut, Tail: c.tail}
	if w.metrics != nil {
		w.metrics.RecordChildExited(context.Background(), c.timedOut)
	}
	e.logger.Debug("Child exited", "code", ev.code, "timedOut", c.timedOut)
	if e.state == goal.AwaitingProcess {
		w.wake(e)
	}
}

// checkTimeouts kills children that were silent or ran for too long. Their
// goals are woken when the exit arrives.
func (w *Worker) checkTimeouts(now time.Time) {
	for _, c := range w.children {
		if c.timedOut {
			continue
		}
		e := w.goals[c.goal]
		switch {
		case c.opts.MaxSilentTime > 0 && now.Sub(c.lastOutput) >= c.opts.MaxSilentTime:
			e.logger.Warn("Child timed out", "reason", "silent", "limit", c.opts.MaxSilentTime)
		case c.opts.Timeout > 0 && now.Sub(c.started) >= c.opts.Timeout:
			e.logger.Warn("Child timed out", "reason", "running", "limit", c.opts.Timeout)
		default:
			continue
		}
		c.timedOut = true
		if err := c.proc.Kill(); err != nil {
			e.logger.Warn("Failed to kill child", "error", err)
		}
	}
}

// detachChild kills the goal's child and stops listening to it.
func (w *Worker) detachChild(e *entry) {
	c := e.child
	e.child = nil
	delete(w.children, c.goal)
	close(c.stop)
	if err := c.proc.Kill(); err != nil {
		e.logger.Warn("Failed to kill child", "error", err)
	}
}
