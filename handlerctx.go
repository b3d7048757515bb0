package jobq

import (
	"context"

	"github.com/UniQw/jobq/internal/hctx"
)

// JobInfo describes the job a handler is running.
type JobInfo struct {
	UUID      string
	Queue     string
	CreatedAt int64
	// Retry is true when the job came from the failed pool.
	Retry bool
}

// JobFromContext returns the job being handled. It reports false outside a
// handler invoked by Client.
func JobFromContext(ctx context.Context) (JobInfo, bool) {
	m, ok := hctx.From(ctx)
	if !ok || m == nil {
		return JobInfo{}, false
	}
	return JobInfo{UUID: m.UUID, Queue: m.Queue, CreatedAt: m.CreatedAt, Retry: m.Retry}, true
}
