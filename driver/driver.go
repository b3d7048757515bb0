// Package driver defines the storage contract every jobq backend implements
// together with the job record shared by all of them.
package driver

import (
	"context"
	"encoding/json"
	"time"
)

// Driver is the capability set a storage backend must provide.
//
// All FetchAndReserve variants are atomic: concurrent callers never receive
// the same job. They return (nil, nil) when no matching job is available.
type Driver interface {
	// InitializeSchema prepares backend storage. It is idempotent and a no-op
	// for schemaless backends.
	InitializeSchema(ctx context.Context) error
	// Store inserts a new job in the available state. It returns
	// ErrDuplicateID if the uuid already exists.
	Store(ctx context.Context, job *Job) error
	// FetchAndReserve reserves one available job of queue. Selection among
	// candidates is unspecified.
	FetchAndReserve(ctx context.Context, queue string) (*Job, error)
	// FetchAndReserveByUUID reserves the job with the given uuid if it is
	// available, regardless of its queue.
	FetchAndReserveByUUID(ctx context.Context, uuid string) (*Job, error)
	// FetchAndReserveFailed reserves one failed job of queue.
	FetchAndReserveFailed(ctx context.Context, queue string) (*Job, error)
	// Delete permanently removes a reserved job. Jobs that are not reserved
	// are rejected with ErrNotFound.
	Delete(ctx context.Context, uuid string) error
	// MarkFailed moves a reserved job to the failed pool.
	MarkFailed(ctx context.Context, uuid string) error
	// PurgeAll removes every job across every queue and state.
	PurgeAll(ctx context.Context) error
	// Close releases backend resources. It is idempotent.
	Close() error
}

// State is the lifecycle state of a job. It is derived from the job's
// timestamps (or key placement) and never stored as a field.
type State string

const (
	StateAvailable State = "available"
	StateReserved  State = "reserved"
	StateFailed    State = "failed"
)

// AllStates lists every state in a stable order.
var AllStates = []State{StateAvailable, StateReserved, StateFailed}

func (s State) String() string { return string(s) }

// Job is the unit of work stored by a driver.
type Job struct {
	// UUID is the immutable identity of the job.
	UUID string `json:"uuid"`
	// Queue groups jobs for worker pull.
	Queue string `json:"queue"`
	// Payload is the JSON-encoded job data, opaque to the queue.
	Payload json.RawMessage `json:"payload"`
	// CreatedAt is the push time in unix seconds.
	CreatedAt int64 `json:"created_at"`
	// ReservedAt is set while a worker holds the job.
	ReservedAt *int64 `json:"reserved_at"`
	// FailedAt is set while the job sits in the failed pool.
	FailedAt *int64 `json:"failed_at"`
}

// State derives the lifecycle state from the job's timestamps.
func (j *Job) State() State {
	switch {
	case j.ReservedAt != nil:
		return StateReserved
	case j.FailedAt != nil:
		return StateFailed
	default:
		return StateAvailable
	}
}

// Clock returns the current time in unix seconds.
type Clock func() int64

// SystemClock is the default Clock.
func SystemClock() int64 { return time.Now().Unix() }

// Int64 returns a pointer to v; handy for building timestamps.
func Int64(v int64) *int64 { return &v }
