package jobq

import (
	"context"

	"github.com/UniQw/jobq/driver"
	"github.com/UniQw/jobq/internal/distributed"
	"github.com/UniQw/jobq/internal/relational"
	"github.com/redis/go-redis/v9"
)

// Open validates cfg, connects the selected backend and returns a Client
// that owns it. Connection failures surface here rather than on first use.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	d, err := openDriver(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	o.logger.Debugf("opened %s backend", cfg.Backend)
	return newClient(d, o), nil
}

func openDriver(ctx context.Context, cfg Config, o *options) (driver.Driver, error) {
	switch cfg.Backend {
	case BackendSQLite:
		d, err := relational.NewSQLite(relational.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			BusyTimeout:  millis(cfg.SQLite.BusyTimeoutMS),
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			Clock:        o.clock,
			Logger:       o.logger,
		})
		if err != nil {
			return nil, err
		}
		return connectRelational(ctx, d)
	case BackendPostgres:
		d, err := relational.NewPostgres(relational.PostgresConfig{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			Clock:        o.clock,
			Logger:       o.logger,
		})
		if err != nil {
			return nil, err
		}
		return connectRelational(ctx, d)
	case BackendRedis:
		rc := cfg.Redis
		rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		lockers := make([]redis.UniversalClient, 0, len(rc.LockAddrs))
		for _, addr := range rc.LockAddrs {
			lockers = append(lockers, redis.NewClient(&redis.Options{Addr: addr, Password: rc.Password}))
		}
		d, err := distributed.Open(ctx, distributed.Config{
			Client:      rdb,
			LockClients: lockers,
			Lease:       millis(rc.LockLeaseMS),
			RetryDelay:  millis(rc.LockRetryDelayMS),
			OwnsClients: true,
			Clock:       o.clock,
			Logger:      o.logger,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, ErrUnknownBackend
	}
}

func connectRelational(ctx context.Context, d *relational.Driver) (driver.Driver, error) {
	if err := d.Connect(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
