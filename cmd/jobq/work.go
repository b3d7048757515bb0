package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	jobq "github.com/UniQw/jobq"
	"github.com/UniQw/jobq/internal/runtime"
	"github.com/UniQw/jobq/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

type workFlags struct {
	queues      []string
	concurrency int
	poll        time.Duration
	rate        float64
	sweep       string
	timeout     time.Duration
}

func workCmd(a *app) *cobra.Command {
	var wf workFlags
	cmd := &cobra.Command{
		Use:   "work [flags] -- <command> [args...]",
		Short: "Run a command for every job until interrupted",
		Long: "Poll the given queues and run <command> once per job with the payload on stdin.\n" +
			"Exit status 0 deletes the job; anything else moves it to the failed pool.\n" +
			"JOBQ_UUID, JOBQ_QUEUE, JOBQ_CREATED_AT and JOBQ_RETRY are set for the command.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := parseQueues(wf.queues)
			if err != nil {
				return err
			}
			if wf.concurrency < 1 {
				return errors.New("--concurrency must be at least 1")
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			h := commandHandler(args, wf.timeout)
			cfg := runtime.Config{
				Queues:      queues,
				Concurrency: wf.concurrency,
				Idle:        wf.poll,
				SweepSpec:   wf.sweep,
				Logger:      a.log,
			}
			if wf.rate > 0 {
				burst := int(wf.rate)
				if burst < 1 {
					burst = 1
				}
				cfg.Limiter = rate.NewLimiter(rate.Limit(wf.rate), burst)
			}
			rt := runtime.New(cfg,
				poller(a.log, func(ctx context.Context, q string) (any, error) { return c.Handle(ctx, q, h) }),
				poller(a.log, func(ctx context.Context, q string) (any, error) { return c.HandleFailed(ctx, q, h) }),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := rt.Start(); err != nil {
				return fmt.Errorf("invalid --sweep-failed spec %q: %w", wf.sweep, err)
			}
			a.log.Infof("worker started: backend=%s queues=%v concurrency=%d", a.cfg.Backend, rt.CfgQueues(), rt.CfgConcurrency())
			<-ctx.Done()
			a.log.Infof("signal received; waiting for running jobs")
			rt.Stop()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&wf.queues, "queue", "q", []string{jobq.DefaultQueue}, "queue to poll, as name or name:weight (repeatable)")
	f.IntVar(&wf.concurrency, "concurrency", 1, "number of concurrent workers")
	f.DurationVar(&wf.poll, "poll", 200*time.Millisecond, "pause after a poll that found nothing")
	f.Float64Var(&wf.rate, "rate", 0, "max polls per second across workers (0 = unlimited)")
	f.StringVar(&wf.sweep, "sweep-failed", "", "cron spec for retrying failed jobs, e.g. '@every 5m'")
	f.DurationVar(&wf.timeout, "timeout", 0, "per-job command timeout (0 = none)")
	return cmd
}

func commandHandler(args []string, timeout time.Duration) jobq.HandlerFunc {
	return worker.Command{Path: args[0], Args: args[1:], Timeout: timeout}.Run
}

// poller turns a Handle call into a runtime.Poller. Handler failures count as
// processed jobs; ErrNoJob means there was nothing to do.
func poller(log *cliLogger, handle func(context.Context, string) (any, error)) runtime.Poller {
	return func(ctx context.Context, q string) (bool, error) {
		res, err := handle(ctx, q)
		var he *jobq.HandlerError
		switch {
		case errors.Is(err, jobq.ErrNoJob):
			return false, nil
		case errors.As(err, &he):
			return true, err
		case err != nil:
			return false, err
		}
		if res != nil {
			log.Debugf("job done: queue=%s result=%s", q, res)
		}
		return true, nil
	}
}

func parseQueues(specs []string) (map[string]int, error) {
	out := make(map[string]int, len(specs))
	for _, s := range specs {
		name, weight := s, 1
		// Only a numeric suffix is a weight; "a:b" names a queue.
		if i := strings.LastIndexByte(s, ':'); i >= 0 {
			if w, err := strconv.Atoi(s[i+1:]); err == nil {
				if w < 1 {
					return nil, fmt.Errorf("invalid queue weight in %q", s)
				}
				name, weight = s[:i], w
			}
		}
		if name == "" {
			return nil, fmt.Errorf("empty queue name in %q", s)
		}
		out[name] += weight
	}
	if len(out) == 0 {
		return nil, errors.New("at least one --queue is required")
	}
	return out, nil
}
