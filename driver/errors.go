package driver

import "errors"

// ErrDuplicateID is returned by Store when the job uuid already exists.
var ErrDuplicateID = errors.New("jobq: duplicate job id")

// ErrReservationConflict is returned when a reservation lost a race for a
// job. Callers treat it as "no job" and may try again later.
var ErrReservationConflict = errors.New("jobq: reservation conflict")

// ErrBackendUnavailable wraps connection and lock-service failures.
var ErrBackendUnavailable = errors.New("jobq: backend unavailable")

// ErrNotFound is returned when an operation targets a uuid that does not
// exist in the expected state.
var ErrNotFound = errors.New("jobq: job not found")

// ErrClosed is returned by operations on a closed driver.
var ErrClosed = errors.New("jobq: driver closed")
