package jobq

import (
	"errors"
	"fmt"

	"github.com/UniQw/jobq/driver"
	"github.com/UniQw/jobq/internal/relational"
)

// Driver errors, re-exported so callers only need this package.
var (
	ErrDuplicateID         = driver.ErrDuplicateID
	ErrReservationConflict = driver.ErrReservationConflict
	ErrBackendUnavailable  = driver.ErrBackendUnavailable
	ErrNotFound            = driver.ErrNotFound
	ErrClosed              = driver.ErrClosed
)

// ErrNoJob is returned by the Handle family when nothing could be reserved.
// The handler was not invoked.
var ErrNoJob = errors.New("jobq: no job available")

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("jobq: unknown backend")

// ErrInMemoryStore is returned for SQLite paths that would not be shared
// with other processes.
var ErrInMemoryStore = relational.ErrInMemoryStore

// ErrInvalidConfig wraps configuration validation failures.
var ErrInvalidConfig = errors.New("jobq: invalid config")

// HandlerError reports that a handler ran and failed. The job has been moved
// to the failed pool; Err is the handler's original error.
type HandlerError struct {
	UUID  string
	Queue string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("jobq: handler failed for job %s (queue %s): %v", e.UUID, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
