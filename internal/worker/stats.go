package worker

import (
	"realiser/internal/goal"
	"time"
)

// Exit status bits reported by Stats.ExitStatus.
const (
	ExitTimedOut         = 0x01
	ExitHashMismatch     = 0x02
	ExitPermanentFailure = 0x04
	ExitCheckMismatch    = 0x08
	// ExitFailure is used when failures carry no more specific class. It
	// lies outside the class bits so it never reads as a timeout.
	ExitFailure = 0x10
)

// Stats holds worker statistics.
type Stats struct {
	GoalsCreated   int64 // total goals instantiated
	GoalsSucceeded int64
	GoalsFailed    int64 // includes interrupted and cancelled goals
	GoalsLive      int   // goals still in the arena

	PermanentFailures int64 // builders that exited unsuccessfully
	TimedOut          int64
	HashMismatches    int64
	CheckMismatches   int64 // rebuilds with different output under Check mode

	Awake           int
	ChildrenRunning int
	SlotsInUse      map[goal.JobCategory]int
}

// ExitStatus classifies the run for the process exit code. Each failure
// class sets its own bit; failures of other kinds yield ExitFailure.
func (s Stats) ExitStatus() int {
	status := 0
	if s.TimedOut > 0 {
		status |= ExitTimedOut
	}
	if s.HashMismatches > 0 {
		status |= ExitHashMismatch
	}
	if s.PermanentFailures > 0 {
		status |= ExitPermanentFailure
	}
	if s.CheckMismatches > 0 {
		status |= ExitCheckMismatch
	}
	if status == 0 && s.GoalsFailed > 0 {
		return ExitFailure
	}
	return status
}

// GoalInfo describes one goal in a Snapshot.
type GoalInfo struct {
	ID       goal.ID
	Key      goal.Key
	Name     string
	State    goal.State
	Failure  goal.FailureKind // set for failed goals
	Error    string
	Refs     int
	Waiting  int // goals still awaited
	Started  time.Time
	Finished time.Time
}

// Snapshot is a consistent copy of the worker state, safe to read from any
// goroutine.
type Snapshot struct {
	Time  time.Time
	Stats Stats
	Goals []GoalInfo
}

// Goal returns the info of the goal with key k.
func (s *Snapshot) Goal(k goal.Key) (GoalInfo, bool) {
	for _, g := range s.Goals {
		if g.Key == k {
			return g, true
		}
	}
	return GoalInfo{}, false
}
