package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour a repository speaks.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DialectFor infers the dialect from a DATABASE_URL style DSN.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open connects to the task store described by dsn. Postgres URLs go through
// the pgx stdlib driver; everything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string) (*sql.DB, Dialect, error) {
	d := DialectFor(dsn)
	var (
		db  *sql.DB
		err error
	)
	switch d {
	case Postgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, d, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, d, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite single writer
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, d, fmt.Errorf("ping %s: %w", d, err)
	}
	return db, d, nil
}

func sqliteDSN(dsn string) string {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	params := []string{"_pragma=journal_mode(WAL)", "_pragma=busy_timeout(5000)", "_time_format=sqlite"}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range params {
		key, _, _ := strings.Cut(p, "=")
		if key != "_pragma" && strings.Contains(path, key+"=") {
			continue
		}
		path += sep + p
		sep = "&"
	}
	return path
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (d Dialect) Rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// ts normalises a timestamp before it is written: UTC, microsecond precision
// (the coarsest of both backends) so written values compare equal on read.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
