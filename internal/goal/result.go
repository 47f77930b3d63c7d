package goal

import (
	"errors"
	"fmt"
	"realiser/internal/apperrors"
)

// Status is the outcome of a finished goal.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

// FailureKind classifies failed goals.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureDependency means a goal this one awaited failed.
	FailureDependency
	// FailureMisconfigured is a recipe or setup error that retrying won't fix.
	FailureMisconfigured
	// FailurePermanent is a builder that exited unsuccessfully.
	FailurePermanent
	FailureTimedOut
	FailureHashMismatch
	// FailureNotDeterministic is a rebuild that produced different output.
	FailureNotDeterministic
	FailureInterrupted
	// FailureCancelled goals were stopped because another goal failed.
	FailureCancelled
	FailureInternal
)

var failureNames = [...]string{
	FailureNone:             "none",
	FailureDependency:       "dependency-failed",
	FailureMisconfigured:    "misconfigured",
	FailurePermanent:        "permanent-failure",
	FailureTimedOut:         "timed-out",
	FailureHashMismatch:     "hash-mismatch",
	FailureNotDeterministic: "not-deterministic",
	FailureInterrupted:      "interrupted",
	FailureCancelled:        "cancelled",
	FailureInternal:         "internal",
}

func (k FailureKind) String() string {
	if int(k) < len(failureNames) {
		return failureNames[k]
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Result is set once when a goal finishes.
type Result struct {
	Status  Status
	Failure FailureKind
	Err     error
	// Payload is kind specific data of successful goals.
	Payload any
}

// Success returns a successful result carrying payload.
func Success(payload any) Result {
	return Result{Status: StatusSuccess, Payload: payload}
}

// Failure returns a failed result.
func Failure(kind FailureKind, err error) Result {
	if err == nil {
		err = errors.New(kind.String())
	}
	return Result{Status: StatusFailure, Failure: kind, Err: err}
}

// FailureFromError classifies an error returned by a goal body.
func FailureFromError(err error) Result {
	switch {
	case errors.Is(err, apperrors.ErrDependencyFailed):
		return Failure(FailureDependency, err)
	case errors.Is(err, apperrors.ErrConfiguration), errors.Is(err, apperrors.ErrValidation):
		return Failure(FailureMisconfigured, err)
	case errors.Is(err, apperrors.ErrInterrupted):
		return Failure(FailureInterrupted, err)
	default:
		return Failure(FailureInternal, err)
	}
}

// OK reports whether the goal succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Suspension is what a goal body waits for after a step.
type Suspension struct {
	state  State
	ids    []ID
	result Result
}

// Await suspends until every listed goal finished, successfully or not.
// Awaiting nothing resumes the goal right away.
func Await(ids ...ID) Suspension {
	return Suspension{state: AwaitingGoals, ids: ids}
}

// WaitForBuildSlot parks the goal until a slot of its category frees up.
func WaitForBuildSlot() Suspension {
	return Suspension{state: AwaitingSlot}
}

// WaitForProcess suspends until the goal's child exited.
func WaitForProcess() Suspension {
	return Suspension{state: AwaitingProcess}
}

// WaitForAWhile suspends for the worker's poll interval.
func WaitForAWhile() Suspension {
	return Suspension{state: AwaitingDelay}
}

// Done finishes the goal with r.
func Done(r Result) Suspension {
	return Suspension{state: StateDone, result: r}
}

// Succeed finishes the goal successfully.
func Succeed(payload any) Suspension {
	return Done(Success(payload))
}

// Fail finishes the goal with a failure.
func Fail(kind FailureKind, err error) Suspension {
	return Done(Failure(kind, err))
}

// State is the state the goal enters with this suspension.
func (s Suspension) State() State { return s.state }

// IDs are the awaited goals.
func (s Suspension) IDs() []ID { return s.ids }

// Result is the final result of a Done suspension.
func (s Suspension) Result() Result { return s.result }

func (s Suspension) String() string {
	if s.state == AwaitingGoals {
		return fmt.Sprintf("%s%v", s.state, s.ids)
	}
	if s.state == StateDone {
		if s.result.OK() {
			return "done(success)"
		}
		return fmt.Sprintf("done(%s)", s.result.Failure)
	}
	return s.state.String()
}
