package hctx

import (
	"context"

	"github.com/UniQw/jobq/driver"
)

// Meta describes the job a handler is currently running.
type Meta struct {
	UUID      string
	Queue     string
	CreatedAt int64
	// Retry is true when the job was taken from the failed pool.
	Retry bool
}

// FromJob captures the metadata of a freshly reserved job.
func FromJob(j *driver.Job, retry bool) *Meta {
	return &Meta{UUID: j.UUID, Queue: j.Queue, CreatedAt: j.CreatedAt, Retry: retry}
}

type ctxKey struct{}

// WithMeta returns a child context carrying the job metadata.
func WithMeta(parent context.Context, m *Meta) context.Context {
	return context.WithValue(parent, ctxKey{}, m)
}

// From extracts the job metadata from context if present.
func From(ctx context.Context) (*Meta, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	m, ok := v.(*Meta)
	return m, ok
}
