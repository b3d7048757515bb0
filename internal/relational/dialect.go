package relational

import (
	"strconv"
	"strings"
)

// dialect captures what differs between the relational backends.
type dialect struct {
	name       string
	driverName string
	schema     []string
	// begin opens a transaction that serializes with every other writer.
	begin []string
	// dollar placeholders ($1, $2, ...) instead of '?'.
	dollar bool
}

var sqliteDialect = dialect{
	name:       "sqlite",
	driverName: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			uuid        TEXT PRIMARY KEY,
			queue       TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			reserved_at INTEGER,
			failed_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_queue_state_idx ON jobs (queue, reserved_at, failed_at)`,
	},
	begin: []string{"BEGIN EXCLUSIVE"},
}

var postgresDialect = dialect{
	name:       "postgres",
	driverName: "pgx",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			uuid        TEXT PRIMARY KEY,
			queue       TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  BIGINT NOT NULL,
			reserved_at BIGINT,
			failed_at   BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_queue_state_idx ON jobs (queue, reserved_at, failed_at)`,
	},
	// EXCLUSIVE mode conflicts with every writer and with itself while still
	// letting plain readers through.
	begin:  []string{"BEGIN", "LOCK TABLE jobs IN EXCLUSIVE MODE"},
	dollar: true,
}

// rebind rewrites '?' placeholders for dialects that number them.
// Queries in this package never carry '?' inside string literals.
func (d dialect) rebind(q string) string {
	if !d.dollar || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
