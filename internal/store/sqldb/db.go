// Package sqldb implements the model store interfaces on database/sql. One
// set of queries serves both backends: statements are written with ?
// placeholders and rebound to $N for postgres.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps a sql.DB with its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// OpenSQLite opens (and creates if needed) a sqlite database file.
func OpenSQLite(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	return &DB{DB: db, dialect: DialectSQLite}, nil
}

// OpenPostgres opens a postgres pool through the pgx stdlib driver.
func OpenPostgres(dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{DB: db, dialect: DialectPostgres}, nil
}

// Dialect returns the backend this DB speaks.
func (d *DB) Dialect() Dialect { return d.dialect }

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.DB.PingContext(ctx) }

// rebind converts ? placeholders to $N for postgres. Queries are authored
// with ? only; sqlite takes them as-is.
func (d *DB) rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.QueryRowContext(ctx, d.rebind(query), args...)
}

// withTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// txExec runs a rebound statement inside a transaction.
func (d *DB) txExec(tx *sql.Tx, ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) txQueryRow(tx *sql.Tx, ctx context.Context, query string, args ...any) *sql.Row {
	return tx.QueryRowContext(ctx, d.rebind(query), args...)
}

// nextID allocates the next int64 id for table inside tx. IDs are
// application-assigned so rows stay portable across backends.
func (d *DB) nextID(tx *sql.Tx, ctx context.Context, table string) (int64, error) {
	var id int64
	// table names come from package-internal constants, never user input
	row := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) + 1 FROM "+table)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate id for %s: %w", table, err)
	}
	return id, nil
}
