package goal

import (
	"errors"
	"fmt"
	"realiser/internal/apperrors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type categorized struct{ cat JobCategory }

func (c categorized) Key() Key              { return Key{Kind: "test", Target: "x"} }
func (c categorized) New() Body             { return nil }
func (c categorized) Category() JobCategory { return c.cat }

type plain struct{}

func (plain) Key() Key  { return Key{Kind: "test", Target: "y"} }
func (plain) New() Body { return nil }

func TestKeyString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "resolve:abc-hello.drv", Key{Kind: "resolve", Target: "abc-hello.drv"}.String())
}

func TestSuspensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		s     Suspension
		state State
		str   string
	}{
		{"await", Await(1, 2), AwaitingGoals, "awaiting-goals[1 2]"},
		{"slot", WaitForBuildSlot(), AwaitingSlot, "awaiting-slot"},
		{"process", WaitForProcess(), AwaitingProcess, "awaiting-process"},
		{"delay", WaitForAWhile(), AwaitingDelay, "awaiting-delay"},
		{"success", Succeed(42), StateDone, "done(success)"},
		{"failure", Fail(FailureTimedOut, nil), StateDone, "done(timed-out)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.state, tt.s.State())
			assert.Equal(t, tt.str, tt.s.String())
		})
	}

	assert.Equal(t, []ID{1, 2}, Await(1, 2).IDs())
	assert.Equal(t, 42, Succeed(42).Result().Payload)
	assert.Equal(t, Created, Suspension{}.State())
}

func TestFailure(t *testing.T) {
	t.Parallel()

	r := Failure(FailureHashMismatch, nil)
	assert.False(t, r.OK())
	assert.EqualError(t, r.Err, "hash-mismatch")

	assert.True(t, Success(nil).OK())
}

func TestFailureFromError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want FailureKind
	}{
		{apperrors.DependencyFailed(2, "foo.drv", "bar.drv"), FailureDependency},
		{apperrors.Configuration("resolve", "impure input"), FailureMisconfigured},
		{apperrors.Validation("name", "empty"), FailureMisconfigured},
		{apperrors.Interrupted("run", nil), FailureInterrupted},
		{fmt.Errorf("wrapped: %w", apperrors.Configuration("x", "y")), FailureMisconfigured},
		{errors.New("boom"), FailureInternal},
	}
	for _, tt := range tests {
		got := FailureFromError(tt.err)
		assert.Equal(t, tt.want, got.Failure, tt.err.Error())
		assert.Equal(t, StatusFailure, got.Status)
		assert.ErrorIs(t, got.Err, tt.err)
	}
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CategorySubstitution, CategoryOf(categorized{CategorySubstitution}))
	assert.Equal(t, CategoryBuild, CategoryOf(plain{}))
	assert.Equal(t, "administration", CategoryAdministration.String())
}
