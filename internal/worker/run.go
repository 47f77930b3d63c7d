package worker

import (
	"context"
	"fmt"
	"maps"
	"realiser/internal/apperrors"
	"realiser/internal/goal"
	"slices"
	"time"
)

// Run drives goals until all of tops finished. The tops must have been
// obtained from MakeGoal.
//
// Run returns nil when the tops finished, whether they succeeded or not; use
// Result and Stats to inspect the outcome. It returns an error wrapping
// apperrors.ErrInterrupted when ctx is cancelled, apperrors.ErrInvariant when
// the remaining goals cannot make progress, and apperrors.ErrConfiguration
// for settings that make progress impossible. In all error cases every
// unfinished goal is failed before Run returns.
func (w *Worker) Run(ctx context.Context, tops ...goal.ID) error {
	for _, id := range tops {
		if _, ok := w.goals[id]; !ok {
			return apperrors.Validation("tops", fmt.Sprintf("goal %d is not in the arena", id))
		}
		w.tops[id] = struct{}{}
	}
	w.stopping = false
	w.fatal = nil
	defer w.publish()

	w.logger.Info("Worker started", "goals", len(tops), "maxJobs", w.cfg.MaxBuildJobs, "keepGoing", w.cfg.KeepGoing)
	for {
		if err := ctx.Err(); err != nil {
			return w.interrupt(err)
		}

		w.drainAwake(ctx)
		w.publish()

		if w.fatal != nil {
			err := w.fatal
			w.cancelAll(goal.FailureCancelled, err)
			return err
		}
		if w.topsDone(tops) {
			w.logger.Info("Worker finished", "succeeded", w.stats.GoalsSucceeded, "failed", w.stats.GoalsFailed)
			return nil
		}
		if w.stopping {
			w.logger.Info("Stopping after failure, keepGoing is off")
			w.cancelAll(goal.FailureCancelled, fmt.Errorf("stopped after another goal failed"))
			return nil
		}
		if len(w.awake) > 0 {
			continue
		}
		if len(w.children) == 0 && len(w.delayWaiters) == 0 {
			err := apperrors.Invariant("worker.run",
				fmt.Sprintf("%d goals are waiting but none can make progress", w.pending()))
			w.logger.Error("Scheduler stuck", "error", err)
			w.cancelAll(goal.FailureInternal, err)
			return err
		}
		w.waitForInput(ctx)
	}
}

// drainAwake steps awake goals in id order until none is awake, or the run
// has to stop.
func (w *Worker) drainAwake(ctx context.Context) {
	for len(w.awake) > 0 {
		ids := slices.Sorted(maps.Keys(w.awake))
		clear(w.awake)
		for _, id := range ids {
			e, ok := w.goals[id]
			if !ok || e.state == goal.StateDone {
				continue
			}
			w.step(ctx, e)
			if w.fatal != nil || w.stopping || ctx.Err() != nil {
				return
			}
		}
	}
}

func (w *Worker) topsDone(tops []goal.ID) bool {
	for _, id := range tops {
		if e, ok := w.goals[id]; ok && e.state != goal.StateDone {
			return false
		}
	}
	return true
}

func (w *Worker) pending() int {
	n := 0
	for _, e := range w.goals {
		if e.state != goal.StateDone {
			n++
		}
	}
	return n
}

// waitForInput blocks until a child reports, a child or delay deadline
// passes, or ctx is cancelled.
func (w *Worker) waitForInput(ctx context.Context) {
	now := time.Now()
	var deadline time.Time
	earlier := func(t time.Time) {
		if deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	for _, c := range w.children {
		if c.timedOut {
			continue
		}
		if c.opts.MaxSilentTime > 0 {
			earlier(c.lastOutput.Add(c.opts.MaxSilentTime))
		}
		if c.opts.Timeout > 0 {
			earlier(c.started.Add(c.opts.Timeout))
		}
	}
	if len(w.delayWaiters) > 0 {
		earlier(w.lastDelayed.Add(w.cfg.PollInterval))
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(max(deadline.Sub(now), time.Millisecond))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return
	case ev := <-w.events:
		w.handleEvent(ev)
		for more := true; more; {
			select {
			case ev := <-w.events:
				w.handleEvent(ev)
			default:
				more = false
			}
		}
	case <-timeout:
	}

	now = time.Now()
	w.checkTimeouts(now)
	if len(w.delayWaiters) > 0 && !now.Before(w.lastDelayed.Add(w.cfg.PollInterval)) {
		w.lastDelayed = now
		for _, id := range slices.Sorted(maps.Keys(w.delayWaiters)) {
			if e, ok := w.goals[id]; ok {
				w.wake(e)
			}
		}
		clear(w.delayWaiters)
	}
}

// interrupt fails every unfinished goal and then releases what they hold.
func (w *Worker) interrupt(cause error) error {
	err := apperrors.Interrupted("worker.run", cause)
	w.logger.Warn("Interrupted, failing all goals", "goals", w.pending())
	w.cancelAll(goal.FailureInterrupted, err)
	return err
}

// cancelAll fails all unfinished goals with kind. Results are set on every
// goal before any child is killed or slot released.
func (w *Worker) cancelAll(kind goal.FailureKind, cause error) {
	var cancelled []*entry
	for _, id := range slices.Sorted(maps.Keys(w.goals)) {
		e := w.goals[id]
		if e.state == goal.StateDone {
			continue
		}
		e.state = goal.StateDone
		e.result = goal.Failure(kind, cause)
		e.finished = time.Now()
		cancelled = append(cancelled, e)
	}
	for _, e := range cancelled {
		w.releaseResources(e)
		w.account(e)
		e.waiters = nil
		e.waitingOn = nil
	}
	for _, e := range cancelled {
		deps := slices.Sorted(maps.Keys(e.deps))
		e.deps = nil
		for _, id := range deps {
			w.unref(id)
		}
	}
	for _, e := range cancelled {
		if _, ok := w.goals[e.id]; ok && e.refs <= 0 {
			w.collect(e)
		}
	}
	clear(w.awake)
	clear(w.delayWaiters)
	clear(w.slotWaiters)
}
