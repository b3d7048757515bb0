package main

import (
	"context"
	"errors"
	"io/fs"

	jobq "github.com/UniQw/jobq"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// app holds state shared by every subcommand.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	backend    string

	cfg jobq.Config
	log *cliLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "jobq",
		Short:         "Push and process jobs on a shared queue backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "TOML config file (JOBQ_* env vars override it)")
	f.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config, if present")
	f.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.StringVar(&a.backend, "backend", "", "backend override: sqlite, postgres or redis")

	root.AddCommand(
		initCmd(a),
		pushCmd(a),
		workCmd(a),
		retryCmd(a),
		purgeCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	cfg, err := jobq.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	a.cfg = cfg
	a.log = newLogger(a.logLevel, cmd.ErrOrStderr())
	return nil
}

func (a *app) open(ctx context.Context) (*jobq.Client, error) {
	return jobq.Open(ctx, a.cfg, jobq.WithLogger(a.log))
}

func initCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the backend schema (idempotent)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.InitializeSchema(cmd.Context()); err != nil {
				return err
			}
			a.log.Infof("schema initialized: backend=%s", a.cfg.Backend)
			return nil
		},
	}
}

func purgeCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every job in every queue and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.PurgeAll(cmd.Context()); err != nil {
				return err
			}
			a.log.Warnf("all jobs purged: backend=%s", a.cfg.Backend)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}
