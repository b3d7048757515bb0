// Package relational implements the jobq driver contract over a relational
// store. Reservations run inside a transaction that serializes with every
// other writer, so no two reservers can both update the same row.
package relational

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/jobq/driver"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrInMemoryStore is returned for SQLite configurations that would not be
// visible to other processes.
var ErrInMemoryStore = errors.New("jobq: in-memory sqlite store is not supported")

const defaultBusyTimeout = 5 * time.Second

const selectJob = `SELECT uuid, queue, payload, created_at, reserved_at, failed_at FROM jobs`

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

// SQLiteConfig configures the SQLite flavour of the driver.
type SQLiteConfig struct {
	// Path is the database file. In-memory databases are rejected.
	Path string
	// BusyTimeout bounds how long a writer waits for the exclusive lock.
	BusyTimeout  time.Duration
	MaxOpenConns int
	Clock        driver.Clock
	Logger       Logger
}

// PostgresConfig configures the PostgreSQL flavour of the driver.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	Clock        driver.Clock
	Logger       Logger
}

// Driver is the relational implementation of driver.Driver.
type Driver struct {
	dl      dialect
	dsn     string
	maxOpen int
	clock   driver.Clock
	log     Logger

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

var _ driver.Driver = (*Driver)(nil)

// NewSQLite builds a SQLite-backed driver without opening the database.
func NewSQLite(cfg SQLiteConfig) (*Driver, error) {
	if IsInMemory(cfg.Path) {
		return nil, ErrInMemoryStore
	}
	bt := cfg.BusyTimeout
	if bt <= 0 {
		bt = defaultBusyTimeout
	}
	return newDriver(sqliteDialect, sqliteDSN(cfg.Path, bt), cfg.MaxOpenConns, cfg.Clock, cfg.Logger), nil
}

// NewPostgres builds a PostgreSQL-backed driver without connecting.
func NewPostgres(cfg PostgresConfig) (*Driver, error) {
	if cfg.DSN == "" {
		return nil, errors.New("jobq: postgres dsn is required")
	}
	return newDriver(postgresDialect, cfg.DSN, cfg.MaxOpenConns, cfg.Clock, cfg.Logger), nil
}

func newDriver(dl dialect, dsn string, maxOpen int, clock driver.Clock, log Logger) *Driver {
	if clock == nil {
		clock = driver.SystemClock
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Driver{dl: dl, dsn: dsn, maxOpen: maxOpen, clock: clock, log: log}
}

// IsInMemory reports whether a SQLite path names a private in-memory database.
func IsInMemory(path string) bool {
	p := strings.TrimSpace(path)
	return p == "" ||
		p == ":memory:" ||
		strings.HasPrefix(p, "file::memory:") ||
		strings.Contains(p, "mode=memory")
}

func sqliteDSN(path string, busy time.Duration) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep +
		"_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)"
}

// Connect opens and pings the database. It is idempotent.
func (d *Driver) Connect(ctx context.Context) error {
	_, err := d.handle(ctx)
	return err
}

func (d *Driver) handle(ctx context.Context) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, driver.ErrClosed
	}
	if d.db != nil {
		return d.db, nil
	}
	db, err := sql.Open(d.dl.driverName, d.dsn)
	if err != nil {
		return nil, unavailable(err)
	}
	if d.maxOpen > 0 {
		db.SetMaxOpenConns(d.maxOpen)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(err)
	}
	d.db = db
	d.log.Debugf("%s driver connected", d.dl.name)
	return db, nil
}

// InitializeSchema creates the jobs table and its index if missing.
func (d *Driver) InitializeSchema(ctx context.Context) error {
	db, err := d.handle(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range d.dl.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("jobq: initialize %s schema: %w", d.dl.name, err)
		}
	}
	return nil
}

// Store inserts job as available. An existing uuid is never overwritten.
func (d *Driver) Store(ctx context.Context, job *driver.Job) error {
	if err := driver.ValidatePayload(job.Payload); err != nil {
		return err
	}
	db, err := d.handle(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, d.dl.rebind(
		`INSERT INTO jobs (uuid, queue, payload, created_at, reserved_at, failed_at)
		VALUES (?, ?, ?, ?, NULL, NULL)
		ON CONFLICT (uuid) DO NOTHING`),
		job.UUID, job.Queue, string(job.Payload), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("jobq: store %s: %w", job.UUID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", driver.ErrDuplicateID, job.UUID)
	}
	return nil
}

// FetchAndReserve reserves one available job of queue.
func (d *Driver) FetchAndReserve(ctx context.Context, queue string) (*driver.Job, error) {
	return d.reserve(ctx, selectJob+` WHERE queue = ? AND reserved_at IS NULL AND failed_at IS NULL LIMIT 1`, queue)
}

// FetchAndReserveByUUID reserves the job with uuid if it is available.
func (d *Driver) FetchAndReserveByUUID(ctx context.Context, uuid string) (*driver.Job, error) {
	return d.reserve(ctx, selectJob+` WHERE uuid = ? AND reserved_at IS NULL AND failed_at IS NULL`, uuid)
}

// FetchAndReserveFailed reserves one failed job of queue.
func (d *Driver) FetchAndReserveFailed(ctx context.Context, queue string) (*driver.Job, error) {
	return d.reserve(ctx, selectJob+` WHERE queue = ? AND failed_at IS NOT NULL AND reserved_at IS NULL LIMIT 1`, queue)
}

func (d *Driver) reserve(ctx context.Context, query, arg string) (*driver.Job, error) {
	db, err := d.handle(ctx)
	if err != nil {
		return nil, err
	}
	var job *driver.Job
	err = d.exclusive(ctx, db, func(conn *sql.Conn) error {
		j, err := scanJob(conn.QueryRowContext(ctx, d.dl.rebind(query), arg))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		now := d.clock()
		if _, err := conn.ExecContext(ctx, d.dl.rebind(
			`UPDATE jobs SET reserved_at = ?, failed_at = NULL WHERE uuid = ?`), now, j.UUID); err != nil {
			return err
		}
		j.ReservedAt = &now
		j.FailedAt = nil
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job != nil {
		d.log.Debugf("reserved: uuid=%s queue=%s", job.UUID, job.Queue)
	}
	return job, nil
}

// Delete removes a reserved job. Rows that are not reserved are rejected
// with driver.ErrNotFound.
func (d *Driver) Delete(ctx context.Context, uuid string) error {
	return d.execOne(ctx, uuid,
		`DELETE FROM jobs WHERE uuid = ? AND reserved_at IS NOT NULL`, uuid)
}

// MarkFailed moves a job to the failed pool. It does not check that the job
// is currently reserved.
func (d *Driver) MarkFailed(ctx context.Context, uuid string) error {
	return d.execOne(ctx, uuid,
		`UPDATE jobs SET reserved_at = NULL, failed_at = ? WHERE uuid = ?`, d.clock(), uuid)
}

// PurgeAll deletes every job.
func (d *Driver) PurgeAll(ctx context.Context) error {
	db, err := d.handle(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return fmt.Errorf("jobq: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	d.log.Infof("purged %d jobs", n)
	return nil
}

// Close closes the database handle. It is idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Driver) execOne(ctx context.Context, uuid, query string, args ...any) error {
	db, err := d.handle(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, d.dl.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("jobq: update %s: %w", uuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobq: update %s: %w", uuid, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, uuid)
	}
	return nil
}

// exclusive runs fn on a dedicated connection inside the dialect's exclusive
// transaction. Any failure rolls back and is reported as a reservation
// conflict.
func (d *Driver) exclusive(ctx context.Context, db *sql.DB, fn func(*sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return unavailable(err)
	}
	defer conn.Close()

	open := false
	for _, stmt := range d.dl.begin {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			if open {
				d.rollback(ctx, conn)
			}
			return conflict(err)
		}
		open = true
	}
	if err := fn(conn); err != nil {
		d.rollback(ctx, conn)
		return conflict(err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		d.rollback(ctx, conn)
		return conflict(err)
	}
	return nil
}

// rollback aborts the open transaction. A connection that cannot roll back is
// evicted from the pool rather than reused mid-transaction.
func (d *Driver) rollback(ctx context.Context, conn *sql.Conn) {
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		d.log.Warnf("rollback failed, discarding connection: %v", err)
		_ = conn.Raw(func(any) error { return sqldriver.ErrBadConn })
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*driver.Job, error) {
	var (
		j        driver.Job
		payload  string
		reserved sql.NullInt64
		failed   sql.NullInt64
	)
	if err := r.Scan(&j.UUID, &j.Queue, &payload, &j.CreatedAt, &reserved, &failed); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	if err := driver.ValidatePayload(j.Payload); err != nil {
		return nil, fmt.Errorf("jobq: job %s: %w", j.UUID, err)
	}
	if reserved.Valid {
		v := reserved.Int64
		j.ReservedAt = &v
	}
	if failed.Valid {
		v := failed.Int64
		j.FailedAt = &v
	}
	return &j, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", driver.ErrBackendUnavailable, err)
}

func conflict(err error) error {
	return fmt.Errorf("%w: %w", driver.ErrReservationConflict, err)
}
