// Package worker schedules goals.
//
// The Worker owns every goal in an arena indexed by goal.ID. A registry maps
// goal keys to ids so that requests for the same target share one goal. A goal
// lives as long as somebody holds it: the caller of MakeGoal until Release,
// and goals that requested it until they finish. Finished goals nobody holds
// are dropped from arena and registry.
//
// All scheduling state is owned by the goroutine calling Run. MakeGoal,
// Result, State and Release must not be called concurrently with Run;
// Snapshot and Stats may be called from anywhere.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"realiser/internal/apperrors"
	"realiser/internal/goal"
	"slices"
	"sync/atomic"
	"time"

	slogcontext "github.com/veqryn/slog-context"
)

// MetricsRecorder is an optional interface for recording scheduler metrics.
type MetricsRecorder interface {
	RecordGoalCreated(ctx context.Context, kind string)
	RecordGoalFinished(ctx context.Context, kind, failure string, durationSeconds float64)
	RecordBuildSlots(ctx context.Context, category string, inUse int64)
	RecordChildExited(ctx context.Context, timedOut bool)
}

type entry struct {
	id       goal.ID
	key      goal.Key
	name     string
	category goal.JobCategory
	body     goal.Body
	logger   *slog.Logger

	state  goal.State
	result goal.Result

	refs int                  // strong holders
	deps map[goal.ID]struct{} // goals this one requested, holding a reference each

	waitingOn map[goal.ID]struct{} // unfinished goals of the current await
	failed    int                  // failures in the current await set
	waiters   []goal.ID            // goals that awaited this one

	hasSlot bool
	child   *child
	exit    goal.ChildExit

	started  time.Time
	finished time.Time
}

// Worker drives goals to completion.
type Worker struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	nextID   goal.ID
	goals    map[goal.ID]*entry
	registry map[goal.Key]goal.ID
	awake    map[goal.ID]struct{}

	slotsInUse  map[goal.JobCategory]int
	slotWaiters map[goal.JobCategory][]goal.ID

	delayWaiters map[goal.ID]struct{}
	lastDelayed  time.Time

	children map[goal.ID]*child
	events   chan childEvent

	tops     map[goal.ID]struct{}
	stopping bool  // a top goal failed without KeepGoing
	fatal    error // aborts the run

	stats    Stats
	snapshot atomic.Pointer[Snapshot]
}

// New creates a worker. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:          cfg,
		logger:       slog.With("component", "worker"),
		metrics:      metrics,
		goals:        make(map[goal.ID]*entry),
		registry:     make(map[goal.Key]goal.ID),
		awake:        make(map[goal.ID]struct{}),
		slotsInUse:   make(map[goal.JobCategory]int),
		slotWaiters:  make(map[goal.JobCategory][]goal.ID),
		delayWaiters: make(map[goal.ID]struct{}),
		children:     make(map[goal.ID]*child),
		events:       make(chan childEvent, 64),
		tops:         make(map[goal.ID]struct{}),
	}
	w.publish()
	return w
}

// Config returns the effective configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// MakeGoal returns the goal for spec, creating it when no goal with the same
// key is in the arena. The caller holds a reference until Release.
func (w *Worker) MakeGoal(spec goal.Spec) goal.ID {
	e := w.makeGoal(spec)
	e.refs++
	return e.id
}

func (w *Worker) makeGoal(spec goal.Spec) *entry {
	key := spec.Key()
	if id, ok := w.registry[key]; ok {
		if e, ok := w.goals[id]; ok {
			return e
		}
	}

	w.nextID++
	e := &entry{
		id:       w.nextID,
		key:      key,
		name:     goal.NameOf(spec),
		category: goal.CategoryOf(spec),
		body:     spec.New(),
		state:    goal.Created,
		deps:     make(map[goal.ID]struct{}),
		started:  time.Now(),
	}
	e.logger = w.logger.With("goal", e.name, "kind", string(key.Kind), "id", uint64(e.id))
	w.goals[e.id] = e
	w.registry[key] = e.id
	w.awake[e.id] = struct{}{}
	w.stats.GoalsCreated++
	if w.metrics != nil {
		w.metrics.RecordGoalCreated(context.Background(), string(key.Kind))
	}
	e.logger.Debug("Goal created")
	return e
}

// Result returns the result of a finished goal.
func (w *Worker) Result(id goal.ID) (goal.Result, bool) {
	e, ok := w.goals[id]
	if !ok || e.state != goal.StateDone {
		return goal.Result{}, false
	}
	return e.result, true
}

// State returns the scheduling state of a goal in the arena.
func (w *Worker) State(id goal.ID) (goal.State, bool) {
	e, ok := w.goals[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Lookup returns the id of the goal with key k, if it is in the arena.
func (w *Worker) Lookup(k goal.Key) (goal.ID, bool) {
	id, ok := w.registry[k]
	return id, ok
}

// Release drops references taken by MakeGoal.
func (w *Worker) Release(ids ...goal.ID) {
	for _, id := range ids {
		delete(w.tops, id)
		w.unref(id)
	}
	w.publish()
}

// Stats returns worker statistics as of the last published snapshot.
func (w *Worker) Stats() Stats {
	return w.snapshot.Load().Stats
}

// Snapshot returns the last published state of the worker.
func (w *Worker) Snapshot() *Snapshot {
	return w.snapshot.Load()
}

func (w *Worker) wake(e *entry) {
	if e.state == goal.StateDone {
		return
	}
	w.awake[e.id] = struct{}{}
}

// step runs one step of e and acts on the returned suspension.
func (w *Worker) step(ctx context.Context, e *entry) {
	if e.state == goal.StateDone {
		w.fatal = apperrors.Invariant("worker.step", fmt.Sprintf("goal %s stepped after it finished", e.key))
		return
	}
	e.state = goal.Running

	s, err := w.runBody(slogcontext.NewCtx(ctx, e.logger), e)
	if err != nil {
		w.finish(e, goal.FailureFromError(err))
		return
	}

	switch s.State() {
	case goal.AwaitingGoals:
		w.await(e, s.IDs())
	case goal.AwaitingSlot:
		w.parkForSlot(e)
	case goal.AwaitingProcess:
		if e.child == nil {
			w.finish(e, goal.Failure(goal.FailureInternal,
				apperrors.Invariant("worker.step", "goal waits for a process it did not start")))
			return
		}
		e.state = goal.AwaitingProcess
	case goal.AwaitingDelay:
		e.state = goal.AwaitingDelay
		if len(w.delayWaiters) == 0 {
			w.lastDelayed = time.Now()
		}
		w.delayWaiters[e.id] = struct{}{}
	case goal.StateDone:
		w.finish(e, s.Result())
	default:
		w.finish(e, goal.Failure(goal.FailureInternal,
			apperrors.Invariant("worker.step", fmt.Sprintf("invalid suspension %s", s))))
	}
}

// runBody calls the goal body, turning a panic into an error so that waiters
// are always notified.
func (w *Worker) runBody(ctx context.Context, e *entry) (s goal.Suspension, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal("goal "+e.key.String(), fmt.Errorf("panic: %v", r))
		}
	}()
	return e.body.Step(ctx, &task{w: w, e: e})
}

func (w *Worker) await(e *entry, ids []goal.ID) {
	e.waitingOn = make(map[goal.ID]struct{})
	e.failed = 0
	for _, id := range ids {
		dep, ok := w.goals[id]
		if !ok {
			w.finish(e, goal.Failure(goal.FailureInternal,
				apperrors.Invariant("worker.await", fmt.Sprintf("goal %d is not in the arena", id))))
			return
		}
		if _, held := e.deps[id]; !held {
			e.deps[id] = struct{}{}
			dep.refs++
		}
		if dep.state == goal.StateDone {
			if !dep.result.OK() {
				e.failed++
			}
			continue
		}
		if _, dup := e.waitingOn[id]; !dup {
			e.waitingOn[id] = struct{}{}
			dep.waiters = append(dep.waiters, e.id)
		}
	}
	if len(e.waitingOn) == 0 || (e.failed > 0 && !w.cfg.KeepGoing) {
		e.waitingOn = nil
		w.wake(e)
		return
	}
	e.state = goal.AwaitingGoals
}

// finish records the result of e and wakes its waiters.
func (w *Worker) finish(e *entry, r goal.Result) {
	if e.state == goal.StateDone {
		return
	}
	e.state = goal.StateDone
	e.result = r
	e.finished = time.Now()
	delete(w.awake, e.id)
	w.releaseResources(e)
	w.account(e)

	for _, id := range e.waiters {
		waiter, ok := w.goals[id]
		if !ok || waiter.state != goal.AwaitingGoals {
			continue
		}
		if _, ok := waiter.waitingOn[e.id]; !ok {
			continue
		}
		delete(waiter.waitingOn, e.id)
		if !r.OK() {
			waiter.failed++
		}
		// Without KeepGoing a failed dependency ends the wait right away.
		if len(waiter.waitingOn) == 0 || (!r.OK() && !w.cfg.KeepGoing) {
			waiter.waitingOn = nil
			w.wake(waiter)
		}
	}
	e.waiters = nil

	if _, top := w.tops[e.id]; top && !r.OK() && !w.cfg.KeepGoing {
		w.stopping = true
	}

	deps := slices.Sorted(maps.Keys(e.deps))
	e.deps = nil
	for _, id := range deps {
		w.unref(id)
	}
	if e.refs == 0 {
		w.collect(e)
	}
}

func (w *Worker) account(e *entry) {
	r := e.result
	if r.OK() {
		w.stats.GoalsSucceeded++
		e.logger.Debug("Goal succeeded", "duration", e.finished.Sub(e.started))
	} else {
		w.stats.GoalsFailed++
		switch r.Failure {
		case goal.FailurePermanent:
			w.stats.PermanentFailures++
		case goal.FailureTimedOut:
			w.stats.TimedOut++
		case goal.FailureHashMismatch:
			w.stats.HashMismatches++
		case goal.FailureNotDeterministic:
			w.stats.CheckMismatches++
		}
		switch r.Failure {
		case goal.FailureDependency, goal.FailureCancelled, goal.FailureInterrupted:
		default:
			e.logger.Error("Goal failed", "failure", r.Failure.String(), "error", r.Err)
		}
	}
	if w.metrics != nil {
		failure := ""
		if !r.OK() {
			failure = r.Failure.String()
		}
		w.metrics.RecordGoalFinished(context.Background(), string(e.key.Kind), failure, e.finished.Sub(e.started).Seconds())
	}
}

// releaseResources detaches the goal's child, gives back its slot and lets
// the body release what it holds.
func (w *Worker) releaseResources(e *entry) {
	if e.child != nil {
		w.detachChild(e)
	}
	if c, ok := e.body.(goal.Closer); ok {
		c.Close()
	}
	if e.hasSlot {
		w.releaseSlot(e)
	}
	delete(w.delayWaiters, e.id)
	if waiters := w.slotWaiters[e.category]; len(waiters) > 0 {
		w.slotWaiters[e.category] = slices.DeleteFunc(waiters, func(id goal.ID) bool { return id == e.id })
	}
}

// unref drops one reference. A goal nobody holds any more is collected once
// finished; an unfinished one is cancelled, since no one will read its result.
func (w *Worker) unref(id goal.ID) {
	e, ok := w.goals[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.state != goal.StateDone {
		w.finish(e, goal.Failure(goal.FailureCancelled, fmt.Errorf("goal %s is no longer needed", e.key)))
		return
	}
	w.collect(e)
}

func (w *Worker) collect(e *entry) {
	delete(w.goals, e.id)
	if w.registry[e.key] == e.id {
		delete(w.registry, e.key)
	}
	delete(w.awake, e.id)
	e.logger.Debug("Goal collected")
}

func (w *Worker) slotLimit(c goal.JobCategory) int {
	switch c {
	case goal.CategoryBuild:
		return w.cfg.MaxBuildJobs
	case goal.CategorySubstitution:
		return w.cfg.MaxSubstitutionJobs
	default:
		return -1
	}
}

func (w *Worker) slotFree(c goal.JobCategory) bool {
	limit := w.slotLimit(c)
	return limit < 0 || w.slotsInUse[c] < limit
}

func (w *Worker) acquireSlot(e *entry) bool {
	if e.hasSlot {
		return true
	}
	if !w.slotFree(e.category) {
		return false
	}
	w.slotsInUse[e.category]++
	e.hasSlot = true
	w.recordSlots(e.category)
	return true
}

func (w *Worker) releaseSlot(e *entry) {
	if !e.hasSlot {
		return
	}
	e.hasSlot = false
	w.slotsInUse[e.category]--
	w.recordSlots(e.category)

	waiters := w.slotWaiters[e.category]
	w.slotWaiters[e.category] = nil
	for _, id := range waiters {
		if waiter, ok := w.goals[id]; ok {
			w.wake(waiter)
		}
	}
}

func (w *Worker) recordSlots(c goal.JobCategory) {
	if w.metrics != nil {
		w.metrics.RecordBuildSlots(context.Background(), c.String(), int64(w.slotsInUse[c]))
	}
}

func (w *Worker) parkForSlot(e *entry) {
	if e.category == goal.CategoryBuild && w.cfg.MaxBuildJobs == 0 {
		err := apperrors.Configuration("worker.run",
			fmt.Sprintf("unable to start any build for %s; increase max-jobs", e.name))
		w.finish(e, goal.Failure(goal.FailureMisconfigured, err))
		if w.fatal == nil {
			w.fatal = err
		}
		return
	}
	if w.slotFree(e.category) {
		w.wake(e)
		return
	}
	e.state = goal.AwaitingSlot
	w.slotWaiters[e.category] = append(w.slotWaiters[e.category], e.id)
}

// publish stores a snapshot of the current state for concurrent readers.
func (w *Worker) publish() {
	stats := w.stats
	stats.GoalsLive = len(w.goals)
	stats.Awake = len(w.awake)
	stats.ChildrenRunning = len(w.children)
	stats.SlotsInUse = maps.Clone(w.slotsInUse)

	infos := make([]GoalInfo, 0, len(w.goals))
	for _, id := range slices.Sorted(maps.Keys(w.goals)) {
		e := w.goals[id]
		info := GoalInfo{
			ID:       e.id,
			Key:      e.key,
			Name:     e.name,
			State:    e.state,
			Refs:     e.refs,
			Waiting:  len(e.waitingOn),
			Started:  e.started,
			Finished: e.finished,
		}
		if e.state == goal.StateDone && !e.result.OK() {
			info.Failure = e.result.Failure
			info.Error = e.result.Err.Error()
		}
		infos = append(infos, info)
	}
	w.snapshot.Store(&Snapshot{Time: time.Now(), Stats: stats, Goals: infos})
}

// task is the goal.Task handed to a goal body during a step.
type task struct {
	w *Worker
	e *entry
}

func (t *task) ID() goal.ID   { return t.e.id }
func (t *task) Key() goal.Key { return t.e.key }

func (t *task) MakeGoal(spec goal.Spec) goal.ID {
	dep := t.w.makeGoal(spec)
	if _, held := t.e.deps[dep.id]; !held {
		t.e.deps[dep.id] = struct{}{}
		dep.refs++
	}
	return dep.id
}

func (t *task) Result(id goal.ID) (goal.Result, bool) {
	return t.w.Result(id)
}

func (t *task) Failed() int { return t.e.failed }

func (t *task) AcquireBuildSlot() bool { return t.w.acquireSlot(t.e) }

func (t *task) ReleaseBuildSlot() { t.w.releaseSlot(t.e) }

func (t *task) StartChild(p goal.Process, opts goal.ChildOptions) {
	t.w.startChild(t.e, p, opts)
}

func (t *task) ChildExit() goal.ChildExit { return t.e.exit }
