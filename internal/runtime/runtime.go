package runtime

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
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

const (
	defaultIdle = 200 * time.Millisecond
	// maxSweep bounds how many failed jobs one sweep tick retries per queue,
	// so a job that keeps failing cannot pin the sweeper.
	maxSweep = 100
)

type Config struct {
	// Queues to poll and their relative weights.
	Queues      map[string]int
	Concurrency int
	// Idle is how long a worker sleeps after a poll that found nothing.
	Idle time.Duration
	// Limiter caps polls across all workers. Nil means unlimited.
	Limiter *rate.Limiter
	// SweepSpec is a cron spec for retrying the failed pool. Empty disables it.
	SweepSpec string
	Logger    Logger
}

// Poller processes at most one job of queue and reports whether it did.
type Poller func(ctx context.Context, queue string) (bool, error)

// Runtime drives pollers from a fixed set of worker goroutines.
type Runtime struct {
	cfg       Config
	poll      Poller
	sweep     Poller
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queueList []string
	cron      *cron.Cron
	log       Logger
}

// New creates a runtime. sweep may be nil when SweepSpec is empty.
func New(cfg Config, poll, sweep Poller) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	if cfg.Idle <= 0 {
		cfg.Idle = defaultIdle
	}
	return &Runtime{
		cfg:       cfg,
		poll:      poll,
		sweep:     sweep,
		queueList: expandQueues(cfg.Queues),
		log:       lg,
	}
}

// Start launches workers and, when configured, the failed-pool sweeper.
// It fails only on an invalid sweep spec.
func (rt *Runtime) Start() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	if rt.cfg.SweepSpec != "" && rt.sweep != nil {
		c := cron.New()
		if _, err := c.AddFunc(rt.cfg.SweepSpec, func() { rt.sweepAll(ctx) }); err != nil {
			cancel()
			return err
		}
		rt.cron = c
	}
	rt.ctx, rt.cancel = ctx, cancel
	rt.started = true
	rt.log.Infof("runtime starting: concurrency=%d queues=%d", rt.cfg.Concurrency, len(rt.cfg.Queues))

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		seed := time.Now().UnixNano() + int64(i)
		rng := rand.New(rand.NewSource(seed))
		go func(r *rand.Rand) {
			defer rt.wg.Done()
			rt.workerLoop(r)
		}(rng)
	}
	if rt.cron != nil {
		rt.cron.Start()
	}
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	c := rt.cron
	rt.cron = nil
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	rt.wg.Wait()
}

func (rt *Runtime) workerLoop(rng *rand.Rand) {
	ql := rt.queueList
	if len(ql) == 0 {
		return
	}
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}
		if rt.cfg.Limiter != nil {
			if err := rt.cfg.Limiter.Wait(rt.ctx); err != nil {
				return
			}
		}

		// A job already reserved must be completed or failed even when
		// Stop lands mid-run.
		queue := ql[rng.Intn(len(ql))]
		ok, err := rt.poll(context.WithoutCancel(rt.ctx), queue)
		if err != nil {
			rt.log.Warnf("poll failed: queue=%s err=%v", queue, err)
		}
		if ok {
			continue
		}
		select {
		case <-rt.ctx.Done():
			return
		case <-time.After(rt.cfg.Idle):
		}
	}
}

func (rt *Runtime) sweepAll(ctx context.Context) {
	for q := range rt.cfg.Queues {
		n := 0
		for ; n < maxSweep; n++ {
			if ctx.Err() != nil {
				return
			}
			ok, err := rt.sweep(context.WithoutCancel(ctx), q)
			if err != nil {
				rt.log.Warnf("sweep failed: queue=%s err=%v", q, err)
			}
			if !ok {
				break
			}
		}
		if n > 0 {
			rt.log.Infof("sweep: queue=%s retried=%d", q, n)
		}
	}
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgQueues exposes configured queues mapping.
func (rt *Runtime) CfgQueues() map[string]int { return rt.cfg.Queues }

func expandQueues(q map[string]int) []string {
	n := 0
	for _, w := range q {
		n += w
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
