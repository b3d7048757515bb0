package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/jobq/driver"
	"github.com/UniQw/jobq/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, mut ...func(*Config)) (*Driver, *mrd.Miniredis, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := Config{Client: rdb, Clock: func() int64 { return 1000 }}
	for _, m := range mut {
		m(&cfg)
	}
	d, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return d, s, rdb
}

func newJob(uuid, queue string) *driver.Job {
	return &driver.Job{UUID: uuid, Queue: queue, Payload: json.RawMessage(`{"x":1}`), CreatedAt: 900}
}

func TestDriver_StoreAndDuplicate(t *testing.T) {
	d, s, _ := newTestDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Store(ctx, newJob("u1", "q")))
	require.True(t, s.Exists(keys.Job(driver.StateAvailable, "q", "u1")))

	err := d.Store(ctx, newJob("u1", "q"))
	require.ErrorIs(t, err, driver.ErrDuplicateID)

	// the same uuid in another queue is still a duplicate
	err = d.Store(ctx, newJob("u1", "other"))
	require.ErrorIs(t, err, driver.ErrDuplicateID)

	// a reserved job keeps its uuid taken
	_, err = d.FetchAndReserve(ctx, "q")
	require.NoError(t, err)
	require.ErrorIs(t, d.Store(ctx, newJob("u1", "q")), driver.ErrDuplicateID)
}

func TestDriver_StoreIgnoresIncomingTimestamps(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()

	j := newJob("u1", "q")
	j.ReservedAt = driver.Int64(5)
	j.FailedAt = driver.Int64(6)
	require.NoError(t, d.Store(ctx, j))

	got, err := d.FetchAndReserve(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.FailedAt)
}

func TestDriver_ReserveLifecycle(t *testing.T) {
	d, s, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "q")))

	// not visible to the failed pool while available
	none, err := d.FetchAndReserveFailed(ctx, "q")
	require.NoError(t, err)
	require.Nil(t, none)

	j, err := d.FetchAndReserve(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "u1", j.UUID)
	assert.Equal(t, "q", j.Queue)
	assert.Equal(t, int64(900), j.CreatedAt)
	require.NotNil(t, j.ReservedAt)
	assert.Equal(t, int64(1000), *j.ReservedAt)
	assert.JSONEq(t, `{"x":1}`, string(j.Payload))
	assert.False(t, s.Exists(keys.Job(driver.StateAvailable, "q", "u1")))
	assert.True(t, s.Exists(keys.Job(driver.StateReserved, "q", "u1")))

	// invisible while reserved
	again, err := d.FetchAndReserve(ctx, "q")
	require.NoError(t, err)
	require.Nil(t, again)
	byID, err := d.FetchAndReserveByUUID(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, byID)

	require.NoError(t, d.MarkFailed(ctx, "u1"))
	assert.True(t, s.Exists(keys.Job(driver.StateFailed, "q", "u1")))

	// failed jobs are only reachable through the failed pool
	none, err = d.FetchAndReserve(ctx, "q")
	require.NoError(t, err)
	require.Nil(t, none)

	f, err := d.FetchAndReserveFailed(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Nil(t, f.FailedAt)
	assert.Equal(t, driver.StateReserved, f.State())

	require.NoError(t, d.Delete(ctx, "u1"))
	for _, st := range driver.AllStates {
		assert.False(t, s.Exists(keys.Job(st, "q", "u1")), st)
	}
}

func TestDriver_FetchByUUID(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("a", "q1")))
	require.NoError(t, d.Store(ctx, newJob("b", "q2")))

	j, err := d.FetchAndReserveByUUID(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "q2", j.Queue)

	missing, err := d.FetchAndReserveByUUID(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDriver_DeleteAndMarkFailedRequireReservation(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "q")))

	require.ErrorIs(t, d.Delete(ctx, "u1"), driver.ErrNotFound)
	require.ErrorIs(t, d.MarkFailed(ctx, "u1"), driver.ErrNotFound)
	require.ErrorIs(t, d.Delete(ctx, "ghost"), driver.ErrNotFound)
}

func TestDriver_QueuesAreIsolated(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "emails")))
	require.NoError(t, d.Store(ctx, newJob("u2", "emails*")))

	j, err := d.FetchAndReserve(ctx, "emails*")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "u2", j.UUID, "glob characters in queue names match literally")

	none, err := d.FetchAndReserve(ctx, "sms")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestDriver_NestedQueueNamesAreIsolated(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "emails/high")))

	none, err := d.FetchAndReserve(ctx, "emails")
	require.NoError(t, err)
	require.Nil(t, none, "emails must not see jobs of emails/high")

	j, err := d.FetchAndReserve(ctx, "emails/high")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "u1", j.UUID)
	require.NoError(t, d.MarkFailed(ctx, "u1"))

	none, err = d.FetchAndReserveFailed(ctx, "emails")
	require.NoError(t, err)
	require.Nil(t, none)

	j, err = d.FetchAndReserveFailed(ctx, "emails/high")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "u1", j.UUID)

	// an exact match is still found when nested queues share the prefix
	require.NoError(t, d.Store(ctx, newJob("u2", "emails/high")))
	require.NoError(t, d.Store(ctx, newJob("u3", "emails")))
	j, err = d.FetchAndReserve(ctx, "emails")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "u3", j.UUID)
}

func TestDriver_ConcurrentStoreOfOneUUID(t *testing.T) {
	d, s, _ := newTestDriver(t, func(c *Config) { c.RetryDelay = 5 * time.Millisecond })
	ctx := context.Background()

	const writers = 8
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Store(ctx, newJob("u1", fmt.Sprintf("q%d", i)))
			if err == nil {
				ok.Add(1)
				return
			}
			// losers either see the stored job or give up on the lock
			assert.True(t, errors.Is(err, driver.ErrDuplicateID) || errors.Is(err, driver.ErrBackendUnavailable), "%v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	var found int
	for i := 0; i < writers; i++ {
		if s.Exists(keys.Job(driver.StateAvailable, fmt.Sprintf("q%d", i), "u1")) {
			found++
		}
	}
	assert.Equal(t, 1, found)
}

func TestDriver_ConcurrentReservationIsExclusive(t *testing.T) {
	d, _, _ := newTestDriver(t, func(c *Config) { c.RetryDelay = 5 * time.Millisecond })
	ctx := context.Background()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, d.Store(ctx, newJob(fmt.Sprintf("u%02d", i), "q")))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := d.FetchAndReserve(ctx, "q")
				if err != nil {
					// lost a race; try another candidate
					continue
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.UUID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s reserved more than once", id)
	}
}

func TestDriver_RecheckUnderLockDetectsMovedJob(t *testing.T) {
	d, s, rdb := newTestDriver(t, func(c *Config) { c.RetryDelay = 300 * time.Millisecond })
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "q")))

	// Hold the job lock as a competing reserver would.
	rival := redsync.New(goredis.NewPool(rdb)).NewMutex(keys.Lock("q", "u1"), redsync.WithExpiry(5*time.Second))
	require.NoError(t, rival.Lock())

	type result struct {
		job *driver.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		j, err := d.FetchAndReserve(ctx, "q")
		done <- result{j, err}
	}()

	// Let the first lock attempt fail, then complete the rival's move.
	time.Sleep(80 * time.Millisecond)
	src := keys.Job(driver.StateAvailable, "q", "u1")
	raw, err := s.Get(src)
	require.NoError(t, err)
	s.Del(src)
	require.NoError(t, s.Set(keys.Job(driver.StateReserved, "q", "u1"), raw))
	_, err = rival.Unlock()
	require.NoError(t, err)

	res := <-done
	require.ErrorIs(t, res.err, driver.ErrReservationConflict)
	require.Nil(t, res.job)
	assert.True(t, s.Exists(keys.Job(driver.StateReserved, "q", "u1")))
	assert.False(t, s.Exists(src))
}

func TestDriver_LockQuorum(t *testing.T) {
	nodes := make([]*mrd.Miniredis, 3)
	clients := make([]redis.UniversalClient, 3)
	for i := range nodes {
		nodes[i] = mrd.RunT(t)
		c := redis.NewClient(&redis.Options{Addr: nodes[i].Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = c.Close() })
		clients[i] = c
	}
	d, _, _ := newTestDriver(t, func(c *Config) {
		c.LockClients = clients
		c.RetryDelay = 5 * time.Millisecond
	})
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "q")))
	require.NoError(t, d.Store(ctx, newJob("u2", "q")))

	// one node down: the majority still grants the lock
	nodes[0].Close()
	j, err := d.FetchAndReserve(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, j)

	// two nodes down: no quorum
	nodes[1].Close()
	_, err = d.FetchAndReserve(ctx, "q")
	require.ErrorIs(t, err, driver.ErrBackendUnavailable)
}

func TestDriver_BackendErrors(t *testing.T) {
	d, s, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "q")))

	s.SetError("ERR injected")
	_, err := d.FetchAndReserve(ctx, "q")
	require.ErrorIs(t, err, driver.ErrBackendUnavailable)
	require.ErrorIs(t, d.Store(ctx, newJob("u2", "q")), driver.ErrBackendUnavailable)
	s.SetError("")

	j, err := d.FetchAndReserve(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, j)
}

func TestDriver_OpenUnreachable(t *testing.T) {
	s := mrd.RunT(t)
	addr := s.Addr()
	s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	_, err := Open(context.Background(), Config{Client: rdb, OwnsClients: true})
	require.ErrorIs(t, err, driver.ErrBackendUnavailable)
}

func TestDriver_PurgeAll(t *testing.T) {
	d, s, _ := newTestDriver(t)
	ctx := context.Background()
	for i := 0; i < 300; i++ {
		require.NoError(t, d.Store(ctx, newJob(fmt.Sprintf("u%d", i), fmt.Sprintf("q%d", i%3))))
	}
	_, err := d.FetchAndReserve(ctx, "q0")
	require.NoError(t, err)
	j, err := d.FetchAndReserve(ctx, "q1")
	require.NoError(t, err)
	require.NoError(t, d.MarkFailed(ctx, j.UUID))
	require.NoError(t, s.Set("unrelated", "keep"))

	require.NoError(t, d.PurgeAll(ctx))
	assert.Equal(t, []string{"unrelated"}, s.Keys())
}

func TestDriver_CloseIdempotent(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, err := d.FetchAndReserve(ctx, "q")
	require.ErrorIs(t, err, driver.ErrClosed)
	require.ErrorIs(t, d.Store(ctx, newJob("u", "q")), driver.ErrClosed)
}

func TestDriver_InitializeSchemaIsNoop(t *testing.T) {
	d, s, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Store(ctx, newJob("u1", "q")))
	require.NoError(t, d.InitializeSchema(ctx))
	require.NoError(t, d.InitializeSchema(ctx))
	assert.Len(t, s.Keys(), 1)
}
