// Package distributed implements the jobq driver contract over a shared Redis
// key space. A job's state is encoded in its key prefix and every state
// transition runs under a Redlock mutex scoped to the job.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/jobq/driver"
	"github.com/UniQw/jobq/internal/keys"
	"github.com/go-redsync/redsync/v4"
	rsredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLease      = 8 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
	defaultScanCount  = 100
	purgeBatch        = 256
	// One attempt plus a single retry.
	lockTries = 2
)

// Logger is a minimal logging interface used by the driver.
// It mirrors the public jobq logger to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Config configures a Driver.
type Config struct {
	// Client is the key store holding the jobs.
	Client redis.UniversalClient
	// LockClients are independent Redis nodes forming the Redlock quorum.
	// When empty the key store itself serves the locks.
	LockClients []redis.UniversalClient
	// Lease is the lock expiry. A holder that crashes keeps the job locked
	// for at most this long.
	Lease time.Duration
	// RetryDelay is the pause before the single lock retry.
	RetryDelay time.Duration
	// ScanCount is the COUNT hint passed to SCAN.
	ScanCount int64
	// OwnsClients makes Close close Client and LockClients.
	OwnsClients bool
	Clock       driver.Clock
	Logger      Logger
}

// Driver is the Redis-backed implementation of driver.Driver.
//
// Enumeration relies on SCAN against a single node; a cluster client would
// only see the keys of the node it happens to reach.
type Driver struct {
	rdb      redis.UniversalClient
	lockRDBs []redis.UniversalClient
	rs       *redsync.Redsync
	lease    time.Duration
	delay    time.Duration
	count    int64
	owns     bool
	clock    driver.Clock
	log      Logger

	mu        sync.Mutex
	connected bool
	closed    bool
}

var _ driver.Driver = (*Driver)(nil)

// New builds a Driver without touching the network. Call Connect (or any
// operation) to establish the connection.
func New(cfg Config) *Driver {
	d := &Driver{
		rdb:      cfg.Client,
		lockRDBs: cfg.LockClients,
		lease:    cfg.Lease,
		delay:    cfg.RetryDelay,
		count:    cfg.ScanCount,
		owns:     cfg.OwnsClients,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
	if d.lease <= 0 {
		d.lease = defaultLease
	}
	if d.delay <= 0 {
		d.delay = defaultRetryDelay
	}
	if d.count <= 0 {
		d.count = defaultScanCount
	}
	if d.clock == nil {
		d.clock = driver.SystemClock
	}
	if d.log == nil {
		d.log = noopLogger{}
	}
	lockers := d.lockRDBs
	if len(lockers) == 0 {
		lockers = []redis.UniversalClient{d.rdb}
	}
	pools := make([]rsredis.Pool, 0, len(lockers))
	for _, c := range lockers {
		pools = append(pools, goredis.NewPool(c))
	}
	d.rs = redsync.New(pools...)
	return d
}

// Open builds a Driver and connects it.
func Open(ctx context.Context, cfg Config) (*Driver, error) {
	d := New(cfg)
	if err := d.Connect(ctx); err != nil {
		if d.owns {
			_ = d.Close()
		}
		return nil, err
	}
	return d, nil
}

// Connect verifies the key store is reachable. It is idempotent.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	if d.connected {
		return nil
	}
	if d.rdb == nil {
		return fmt.Errorf("%w: no redis client configured", driver.ErrBackendUnavailable)
	}
	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	d.connected = true
	d.log.Debugf("redis driver connected")
	return nil
}

// InitializeSchema is a no-op: the key space needs no preparation.
func (d *Driver) InitializeSchema(ctx context.Context) error {
	return d.Connect(ctx)
}

// Store writes job under the available prefix. A uuid already present in
// any state is rejected; concurrent stores of one uuid are serialized by a
// uuid-scoped lock.
func (d *Driver) Store(ctx context.Context, job *driver.Job) error {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	rec := *job
	rec.ReservedAt, rec.FailedAt = nil, nil
	enc, err := driver.EncodeJob(&rec)
	if err != nil {
		return err
	}
	return d.withLock(ctx, keys.IDLock(rec.UUID), func() error {
		for _, st := range driver.AllStates {
			k, err := d.firstKey(ctx, keys.ByUUID(st, rec.UUID))
			if err != nil {
				return err
			}
			if k != "" {
				return fmt.Errorf("%w: %s", driver.ErrDuplicateID, rec.UUID)
			}
		}
		ok, err := d.rdb.SetNX(ctx, keys.Job(driver.StateAvailable, rec.Queue, rec.UUID), enc, 0).Result()
		if err != nil {
			return unavailable(err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", driver.ErrDuplicateID, rec.UUID)
		}
		return nil
	})
}

// FetchAndReserve reserves the first available job SCAN yields for queue.
func (d *Driver) FetchAndReserve(ctx context.Context, queue string) (*driver.Job, error) {
	return d.fetchFromQueue(ctx, driver.StateAvailable, queue)
}

// FetchAndReserveByUUID reserves the available job with the given uuid.
func (d *Driver) FetchAndReserveByUUID(ctx context.Context, uuid string) (*driver.Job, error) {
	return d.fetchAndReserve(ctx, keys.ByUUID(driver.StateAvailable, uuid))
}

// FetchAndReserveFailed reserves the first failed job SCAN yields for queue.
func (d *Driver) FetchAndReserveFailed(ctx context.Context, queue string) (*driver.Job, error) {
	return d.fetchFromQueue(ctx, driver.StateFailed, queue)
}

// fetchFromQueue reserves the first job of exactly queue in state s. The
// pattern also matches nested queues such as "<queue>/high", so each key is
// parsed and only an exact queue match is taken.
func (d *Driver) fetchFromQueue(ctx context.Context, s driver.State, queue string) (*driver.Job, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	it := d.rdb.Scan(ctx, 0, keys.InQueue(s, queue), d.count).Iterator()
	for it.Next(ctx) {
		if _, q, _, ok := keys.Parse(it.Val()); ok && q == queue {
			return d.reserve(ctx, it.Val())
		}
	}
	if err := it.Err(); err != nil {
		return nil, unavailable(err)
	}
	return nil, nil
}

func (d *Driver) fetchAndReserve(ctx context.Context, pattern string) (*driver.Job, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	key, err := d.firstKey(ctx, pattern)
	if err != nil || key == "" {
		return nil, err
	}
	return d.reserve(ctx, key)
}

// reserve moves the job found at key to the reserved namespace.
func (d *Driver) reserve(ctx context.Context, key string) (*driver.Job, error) {
	cand, err := d.read(ctx, key)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s vanished before lock", driver.ErrReservationConflict, key)
		}
		return nil, err
	}
	src := keys.Job(expectedState(cand), cand.Queue, cand.UUID)

	var out *driver.Job
	err = d.withLock(ctx, keys.Lock(cand.Queue, cand.UUID), func() error {
		// Another holder may have moved the job since it was enumerated.
		job, err := d.read(ctx, src)
		if errors.Is(err, driver.ErrNotFound) {
			return fmt.Errorf("%w: %s", driver.ErrReservationConflict, src)
		}
		if err != nil {
			return err
		}
		now := d.clock()
		job.ReservedAt = &now
		job.FailedAt = nil
		if err := d.move(ctx, src, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Debugf("reserved: uuid=%s queue=%s", out.UUID, out.Queue)
	return out, nil
}

// Delete removes a reserved job. Jobs in any other state are rejected with
// driver.ErrNotFound.
func (d *Driver) Delete(ctx context.Context, uuid string) error {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	key, queue, err := d.locateReserved(ctx, uuid)
	if err != nil {
		return err
	}
	return d.withLock(ctx, keys.Lock(queue, uuid), func() error {
		n, err := d.rdb.Del(ctx, key).Result()
		if err != nil {
			return unavailable(err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s not reserved", driver.ErrNotFound, uuid)
		}
		return nil
	})
}

// MarkFailed moves a reserved job to the failed namespace.
func (d *Driver) MarkFailed(ctx context.Context, uuid string) error {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	key, queue, err := d.locateReserved(ctx, uuid)
	if err != nil {
		return err
	}
	return d.withLock(ctx, keys.Lock(queue, uuid), func() error {
		job, err := d.read(ctx, key)
		if err != nil {
			return err
		}
		now := d.clock()
		job.ReservedAt = nil
		job.FailedAt = &now
		return d.move(ctx, key, job)
	})
}

// PurgeAll deletes every job key in every state namespace.
func (d *Driver) PurgeAll(ctx context.Context) error {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	total := 0
	for _, st := range driver.AllStates {
		it := d.rdb.Scan(ctx, 0, keys.All(st), d.count).Iterator()
		batch := make([]string, 0, purgeBatch)
		for it.Next(ctx) {
			batch = append(batch, it.Val())
			if len(batch) == purgeBatch {
				if err := d.del(ctx, batch); err != nil {
					return err
				}
				total += len(batch)
				batch = batch[:0]
			}
		}
		if err := it.Err(); err != nil {
			return unavailable(err)
		}
		if len(batch) > 0 {
			if err := d.del(ctx, batch); err != nil {
				return err
			}
			total += len(batch)
		}
	}
	d.log.Infof("purged %d job keys", total)
	return nil
}

// Close releases the Redis clients when the driver owns them. It is
// idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if !d.owns {
		return nil
	}
	var errs []error
	if d.rdb != nil {
		errs = append(errs, d.rdb.Close())
	}
	for _, c := range d.lockRDBs {
		if c != d.rdb {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// withLock runs fn while holding the named Redlock mutex. The lock is
// released on every path, including when fn fails.
func (d *Driver) withLock(ctx context.Context, name string, fn func() error) error {
	m := d.rs.NewMutex(name,
		redsync.WithExpiry(d.lease),
		redsync.WithTries(lockTries),
		redsync.WithRetryDelay(d.delay),
	)
	if err := m.LockContext(ctx); err != nil {
		return fmt.Errorf("%w: acquire %s: %w", driver.ErrBackendUnavailable, m.Name(), err)
	}
	defer func() {
		if _, err := m.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			d.log.Warnf("lock release failed: name=%s err=%v", m.Name(), err)
		}
	}()
	return fn()
}

// move rewrites job from src to the key matching its current state in a
// single MULTI/EXEC so readers never observe both keys or neither.
func (d *Driver) move(ctx context.Context, src string, job *driver.Job) error {
	enc, err := driver.EncodeJob(job)
	if err != nil {
		return err
	}
	dst := keys.Job(job.State(), job.Queue, job.UUID)
	_, err = d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, src)
		p.Set(ctx, dst, enc, 0)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (d *Driver) read(ctx context.Context, key string) (*driver.Job, error) {
	raw, err := d.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", driver.ErrNotFound, key)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return driver.DecodeJob(raw)
}

func (d *Driver) locateReserved(ctx context.Context, uuid string) (key, queue string, err error) {
	key, err = d.firstKey(ctx, keys.ByUUID(driver.StateReserved, uuid))
	if err != nil {
		return "", "", err
	}
	if key == "" {
		return "", "", fmt.Errorf("%w: %s not reserved", driver.ErrNotFound, uuid)
	}
	_, queue, _, ok := keys.Parse(key)
	if !ok {
		return "", "", fmt.Errorf("jobq: malformed key %q", key)
	}
	return key, queue, nil
}

// firstKey returns the first key SCAN yields for pattern, or "" if none.
// Enumeration order is not stable across calls.
func (d *Driver) firstKey(ctx context.Context, pattern string) (string, error) {
	it := d.rdb.Scan(ctx, 0, pattern, d.count).Iterator()
	if it.Next(ctx) {
		return it.Val(), nil
	}
	if err := it.Err(); err != nil {
		return "", unavailable(err)
	}
	return "", nil
}

func (d *Driver) del(ctx context.Context, batch []string) error {
	_, err := d.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range batch {
			p.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// expectedState is where a job record should currently live.
func expectedState(j *driver.Job) driver.State {
	if j.FailedAt != nil {
		return driver.StateFailed
	}
	return driver.StateAvailable
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", driver.ErrBackendUnavailable, err)
}
