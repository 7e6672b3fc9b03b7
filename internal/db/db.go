// Package db opens the task store connections.
//
// SQLite gets a single-connection writer plus a read-only pool in WAL mode;
// PostgreSQL (through pgx's database/sql driver) shares one pool for both.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	busyTimeout = 5 * time.Second
	readerConns = 4
)

// Options describes which store to open.
type Options struct {
	Driver   string // "sqlite" or "postgres"
	Path     string
	DSN      string
	MaxConns int
	MinConns int
}

// Pool holds separate writer and reader handles. For PostgreSQL both point
// at the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens the store selected by opts.
func Open(opts Options) (*Pool, error) {
	switch opts.Driver {
	case "", "sqlite":
		return OpenSQLitePool(opts.Path)
	case "postgres":
		conn, err := OpenPostgres(opts.DSN, opts.MaxConns, opts.MinConns)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(conn, DriverPostgres)
		return &Pool{writer: x, reader: x}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

// OpenSQLitePool opens a WAL-mode writer and a read-only reader pool on path.
func OpenSQLitePool(path string) (*Pool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		abs, busyTimeout.Milliseconds(),
	)
	writer, err := sql.Open(DriverSQLite, writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d",
		abs, busyTimeout.Milliseconds(),
	)
	reader, err := sql.Open(DriverSQLite, readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	reader.SetMaxIdleConns(readerConns)

	return &Pool{
		writer: sqlx.NewDb(writer, DriverSQLite),
		reader: sqlx.NewDb(reader, DriverSQLite),
	}, nil
}

// OpenPostgres opens a PostgreSQL database connection using pgx.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}

// Writer returns the handle for INSERT, UPDATE, DELETE and DDL.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// IsPostgres reports whether the pool is backed by PostgreSQL.
func (p *Pool) IsPostgres() bool { return p.writer.DriverName() == DriverPostgres }

// Close closes both handles.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
