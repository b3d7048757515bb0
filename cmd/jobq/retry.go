package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	jobq "github.com/UniQw/jobq"
	"github.com/spf13/cobra"
)

func retryCmd(a *app) *cobra.Command {
	var (
		queue   string
		uuid    string
		state   string
		limit   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "retry [flags] -- <command> [args...]",
		Short: "Run a command for failed jobs of a queue, or for one job by uuid",
		Long: "Run <command> for jobs of --queue in the pool named by --state (failed by default),\n" +
			"or for the single available job named by --uuid.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return errors.New("--max must be at least 1")
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			h := commandHandler(args, timeout)
			var handle func(context.Context) (any, error)
			switch st, err := jobq.ParseState(state); {
			case err != nil:
				return fmt.Errorf("--state %q: %w", state, err)
			case st == jobq.StateFailed:
				handle = func(ctx context.Context) (any, error) { return c.HandleFailed(ctx, queue, h) }
			case st == jobq.StateAvailable:
				handle = func(ctx context.Context) (any, error) { return c.Handle(ctx, queue, h) }
			default:
				return fmt.Errorf("--state %s: reserved jobs cannot be taken", st)
			}
			if uuid != "" {
				handle = func(ctx context.Context) (any, error) { return c.HandleByUUID(ctx, uuid, h) }
				limit = 1
			}

			var done, failed int
		loop:
			for done+failed < limit {
				_, err := handle(cmd.Context())
				var he *jobq.HandlerError
				switch {
				case errors.Is(err, jobq.ErrNoJob):
					break loop
				case errors.As(err, &he):
					failed++
					a.log.Warnf("retry failed: uuid=%s err=%v", he.UUID, he.Err)
				case err != nil:
					return err
				default:
					done++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "succeeded=%d failed=%d\n", done, failed)
			if failed > 0 {
				return fmt.Errorf("%d job(s) failed again", failed)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&queue, "queue", "q", jobq.DefaultQueue, "queue whose failed pool is retried")
	f.StringVar(&uuid, "uuid", "", "handle this available job instead of the failed pool")
	f.StringVar(&state, "state", string(jobq.StateFailed), "pool to take jobs from: failed or available")
	f.IntVar(&limit, "max", 1, "maximum number of failed jobs to retry")
	f.DurationVar(&timeout, "timeout", 0, "per-job command timeout (0 = none)")
	return cmd
}
