package jobq

import (
	"context"
	"errors"
	"fmt"

	"github.com/UniQw/jobq/driver"
	"github.com/UniQw/jobq/internal/hctx"
)

// Client pushes jobs and runs handlers against reserved jobs. It owns no
// storage state and is safe for concurrent use; several clients may share one
// driver.
type Client struct {
	drv  driver.Driver
	opts *options
	log  Logger
}

// NewClient creates a client over an existing driver. The client owns the
// driver from then on: Close closes it.
func NewClient(d driver.Driver, opts ...Option) *Client {
	return newClient(d, buildOptions(opts))
}

func newClient(d driver.Driver, o *options) *Client {
	return &Client{drv: d, opts: o, log: o.logger}
}

// Driver exposes the underlying driver.
func (c *Client) Driver() driver.Driver { return c.drv }

// InitializeSchema prepares backend storage. It is idempotent.
func (c *Client) InitializeSchema(ctx context.Context) error {
	return c.drv.InitializeSchema(ctx)
}

// Push stores payload as a new available job on queue and returns its uuid.
// An empty queue means DefaultQueue.
func (c *Client) Push(ctx context.Context, queue string, payload any) (string, error) {
	data, err := encodePayload(c.opts.encoder, payload)
	if err != nil {
		return "", err
	}
	job := &Job{
		UUID:      c.opts.newID(),
		Queue:     queueOrDefault(queue),
		Payload:   data,
		CreatedAt: c.opts.clock(),
	}
	if err := c.drv.Store(ctx, job); err != nil {
		return "", err
	}
	c.log.Debugf("pushed: uuid=%s queue=%s", job.UUID, job.Queue)
	return job.UUID, nil
}

// Handle reserves one available job of queue and runs h on it.
//
// It returns ErrNoJob when nothing could be reserved, a *HandlerError when h
// failed (the job is then in the failed pool), or h's result once the job has
// been deleted.
func (c *Client) Handle(ctx context.Context, queue string, h HandlerFunc) (any, error) {
	queue = queueOrDefault(queue)
	return c.run(ctx, h, false, func(ctx context.Context) (*Job, error) {
		return c.drv.FetchAndReserve(ctx, queue)
	})
}

// HandleByUUID is Handle for one specific available job.
func (c *Client) HandleByUUID(ctx context.Context, uuid string, h HandlerFunc) (any, error) {
	return c.run(ctx, h, false, func(ctx context.Context) (*Job, error) {
		return c.drv.FetchAndReserveByUUID(ctx, uuid)
	})
}

// HandleFailed is Handle over the failed pool of queue.
func (c *Client) HandleFailed(ctx context.Context, queue string, h HandlerFunc) (any, error) {
	queue = queueOrDefault(queue)
	return c.run(ctx, h, true, func(ctx context.Context) (*Job, error) {
		return c.drv.FetchAndReserveFailed(ctx, queue)
	})
}

// PurgeAll removes every job in every queue and state.
func (c *Client) PurgeAll(ctx context.Context) error {
	return c.drv.PurgeAll(ctx)
}

// Close closes the driver.
func (c *Client) Close() error {
	return c.drv.Close()
}

func (c *Client) run(ctx context.Context, h HandlerFunc, retry bool, fetch func(context.Context) (*Job, error)) (any, error) {
	job, err := fetch(ctx)
	if err != nil {
		// Lost races and lock or store hiccups look the same to a poller:
		// nothing to do right now.
		if errors.Is(err, driver.ErrReservationConflict) || errors.Is(err, driver.ErrBackendUnavailable) {
			c.log.Warnf("reservation skipped: %v", err)
			return nil, ErrNoJob
		}
		return nil, err
	}
	if job == nil {
		return nil, ErrNoJob
	}

	hctxCtx := hctx.WithMeta(ctx, hctx.FromJob(job, retry))
	res, herr := safeCall(hctxCtx, chain(h, c.opts.middlewares), job.Payload)
	// A reserved job must be resolved even if ctx was cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)
	if herr != nil {
		failure := &HandlerError{UUID: job.UUID, Queue: job.Queue, Err: herr}
		if err := c.drv.MarkFailed(ctx, job.UUID); err != nil {
			c.log.Errorf("mark failed: uuid=%s queue=%s err=%v", job.UUID, job.Queue, err)
			return nil, errors.Join(failure, fmt.Errorf("jobq: mark failed %s: %w", job.UUID, err))
		}
		c.log.Warnf("handler error: uuid=%s queue=%s err=%v", job.UUID, job.Queue, herr)
		return nil, failure
	}

	if err := c.drv.Delete(ctx, job.UUID); err != nil {
		c.log.Errorf("delete failed: uuid=%s queue=%s err=%v", job.UUID, job.Queue, err)
		return res, fmt.Errorf("jobq: delete %s: %w", job.UUID, err)
	}
	c.log.Debugf("processed: uuid=%s queue=%s", job.UUID, job.Queue)
	return res, nil
}
