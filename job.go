package jobq

import (
	"errors"

	"github.com/UniQw/jobq/driver"
)

// DefaultQueue is used when a queue name is left empty.
const DefaultQueue = "default"

// Job is the stored unit of work. See driver.Job.
type Job = driver.Job

// State is the derived lifecycle state of a job.
// Use the exported constants instead of raw strings to avoid typos.
type State = driver.State

const (
	// StateAvailable jobs wait to be reserved.
	StateAvailable = driver.StateAvailable
	// StateReserved jobs are held by exactly one worker.
	StateReserved = driver.StateReserved
	// StateFailed jobs wait in the failed pool for HandleFailed.
	StateFailed = driver.StateFailed
)

// ErrUnknownState is returned by ParseState for invalid values.
var ErrUnknownState = errors.New("jobq: unknown state")

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range driver.AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}

func queueOrDefault(q string) string {
	if q == "" {
		return DefaultQueue
	}
	return q
}
