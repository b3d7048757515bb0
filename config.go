package jobq

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/jobq/internal/relational"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures a backend. Only the section matching
// Backend is read.
type Config struct {
	Backend  string         `toml:"backend"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path of the database file. Every process sharing the queue must use the
	// same file; in-memory databases are rejected.
	Path          string `toml:"path" validate:"required"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms" validate:"gte=0"`
	MaxOpenConns  int    `toml:"max_open_conns" validate:"gte=0"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN          string `toml:"dsn" validate:"required"`
	MaxOpenConns int    `toml:"max_open_conns" validate:"gte=0"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `toml:"addr" validate:"required,hostname_port"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0"`
	// LockAddrs are independent Redis nodes used for the Redlock quorum.
	// Empty means locks live on Addr.
	LockAddrs        []string `toml:"lock_addrs" validate:"dive,hostname_port"`
	LockLeaseMS      int      `toml:"lock_lease_ms" validate:"gte=0"`
	LockRetryDelayMS int      `toml:"lock_retry_delay_ms" validate:"gte=0"`
}

// DefaultConfig returns a SQLite configuration using ./jobq.db.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite:  SQLiteConfig{Path: "jobq.db", BusyTimeoutMS: 5000},
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
	}
}

// LoadConfig reads configuration with priority: defaults, then the TOML file
// at path (skipped when path is empty), then JOBQ_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("jobq: read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("jobq: parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("JOBQ_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("JOBQ_SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := os.Getenv("JOBQ_SQLITE_BUSY_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: JOBQ_SQLITE_BUSY_TIMEOUT_MS: %v", ErrInvalidConfig, err)
		}
		cfg.SQLite.BusyTimeoutMS = n
	}
	if v := os.Getenv("JOBQ_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("JOBQ_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JOBQ_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JOBQ_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: JOBQ_REDIS_DB: %v", ErrInvalidConfig, err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("JOBQ_REDIS_LOCK_ADDRS"); v != "" {
		cfg.Redis.LockAddrs = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.Redis.LockAddrs = append(cfg.Redis.LockAddrs, a)
			}
		}
	}
	return nil
}

// Validate checks the section selected by Backend.
func (c Config) Validate() error {
	validate := validator.New()
	var err error
	switch c.Backend {
	case BackendSQLite:
		if err = validate.Struct(c.SQLite); err == nil && relational.IsInMemory(c.SQLite.Path) {
			return ErrInMemoryStore
		}
	case BackendPostgres:
		err = validate.Struct(c.Postgres)
	case BackendRedis:
		err = validate.Struct(c.Redis)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.Backend, err)
	}
	return nil
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
