// Package goal defines the scheduler's unit of work.
//
// A goal is an explicit state machine: the worker calls Body.Step, and the
// body returns a Suspension naming what it waits for next. The only ways to
// suspend are awaiting other goals, waiting for a build slot, waiting for a
// child process and waiting out the poll interval. Returning Done ends the
// goal; it is never stepped again.
package goal

import (
	"context"
	"fmt"
	"time"
)

// ID names a goal instance inside one worker.
type ID uint64

// Kind distinguishes the kinds of work a worker schedules.
type Kind string

// Key identifies the target of a goal. Two live goals never share a key.
type Key struct {
	Kind   Kind
	Target string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Target
}

// State is the scheduling state of a goal.
type State int

const (
	Created State = iota
	Running
	AwaitingGoals
	AwaitingSlot
	AwaitingProcess
	AwaitingDelay
	StateDone
)

var stateNames = [...]string{
	Created:         "created",
	Running:         "running",
	AwaitingGoals:   "awaiting-goals",
	AwaitingSlot:    "awaiting-slot",
	AwaitingProcess: "awaiting-process",
	AwaitingDelay:   "awaiting-delay",
	StateDone:       "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// JobCategory selects the build slot budget a goal draws from.
type JobCategory int

const (
	// CategoryBuild is bounded by the worker's MaxBuildJobs.
	CategoryBuild JobCategory = iota
	// CategorySubstitution is bounded by MaxSubstitutionJobs.
	CategorySubstitution
	// CategoryAdministration is never bounded.
	CategoryAdministration
)

func (c JobCategory) String() string {
	switch c {
	case CategoryBuild:
		return "build"
	case CategorySubstitution:
		return "substitution"
	case CategoryAdministration:
		return "administration"
	}
	return fmt.Sprintf("JobCategory(%d)", int(c))
}

// Spec describes a goal before it exists. The worker only calls New when no
// live goal has the same key.
type Spec interface {
	Key() Key
	New() Body
}

// Categorized is implemented by specs whose goals take build slots from a
// budget other than CategoryBuild.
type Categorized interface {
	Category() JobCategory
}

// CategoryOf returns the job category of s.
func CategoryOf(s Spec) JobCategory {
	if c, ok := s.(Categorized); ok {
		return c.Category()
	}
	return CategoryBuild
}

// Named is implemented by specs with a short human readable name, used in
// logs and status output instead of the key.
type Named interface {
	Name() string
}

// NameOf returns the display name of s.
func NameOf(s Spec) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return s.Key().String()
}

// Body is the resumable part of a goal.
type Body interface {
	// Step advances the goal to its next suspension. A returned error ends
	// the goal with a failure derived from the error.
	Step(ctx context.Context, t Task) (Suspension, error)
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ctx context.Context, t Task) (Suspension, error)

// Step implements Body.
func (f BodyFunc) Step(ctx context.Context, t Task) (Suspension, error) {
	return f(ctx, t)
}

// Closer is implemented by bodies holding resources the worker does not know
// about. The worker calls Close once when the goal is done, however it ended.
type Closer interface {
	Close()
}

// Process is a running child whose output and exit the worker multiplexes.
type Process interface {
	// Lines delivers output lines; it is closed when output ends.
	Lines() <-chan string
	// Wait blocks until the process exited and returns its exit code.
	Wait() (int, error)
	// Kill terminates the process. Killing an exited process is a no-op.
	Kill() error
}

// ChildOptions bound a child's run time.
type ChildOptions struct {
	// MaxSilentTime kills the child after this long without output.
	MaxSilentTime time.Duration
	// Timeout kills the child after this long in total.
	Timeout time.Duration
}

// ChildExit reports how the goal's last child ended.
type ChildExit struct {
	Code     int
	Err      error
	TimedOut bool
	// Tail holds the last lines the child printed.
	Tail []string
}

// Task is the worker's side of a goal while it is being stepped. It must not
// be retained beyond the Step call it was passed to.
type Task interface {
	ID() ID
	Key() Key

	// MakeGoal returns the goal for spec, creating it if no live goal has
	// its key. The calling goal holds a reference until it finishes.
	MakeGoal(spec Spec) ID

	// Result returns the result of a finished goal.
	Result(id ID) (Result, bool)

	// Failed is the number of failed goals in the last awaited set.
	Failed() int

	// AcquireBuildSlot takes a slot of the goal's job category. It returns
	// false when the budget is used up; the goal should then suspend with
	// WaitForBuildSlot.
	AcquireBuildSlot() bool

	// ReleaseBuildSlot returns the goal's slot. The worker also releases it
	// when the goal finishes.
	ReleaseBuildSlot()

	// StartChild hands a started process to the worker. The goal should
	// suspend with WaitForProcess and read ChildExit when resumed.
	StartChild(p Process, opts ChildOptions)

	// ChildExit describes the last child that exited.
	ChildExit() ChildExit
}
