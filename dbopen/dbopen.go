// Package dbopen opens the warcfed catalog database with the pragmas every
// node runs with.
//
// Pragmas go into the DSN as _pragma parameters, which modernc.org/sqlite
// applies on every new pooled connection. busy_timeout and foreign_keys are
// per-connection settings, so a single EXEC would cover only one of them.
// ":memory:" databases are single-connection and get the pragmas by EXEC.
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/catalog.db", dbopen.WithMkdirAll(), dbopen.WithSchema(catalog.Schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(catalog.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

type config struct {
	busyTimeout int
	synchronous string
	foreignKeys bool
	mkdirAll    bool
	schemas     []string
}

func defaults() config {
	return config{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		foreignKeys: true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline SQL to execute after pragmas are applied.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// Open opens an SQLite database at path with the node pragmas and queued schemas.
// The caller must blank-import the driver (modernc.org/sqlite registers "sqlite").
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	memory := path == ":memory:"
	dsn := path
	if !memory {
		dsn = path + "?" + pragmaQuery(&cfg)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if memory {
		if err := execPragmas(db, &cfg); err != nil {
			db.Close()
			return nil, err
		}
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
// MaxOpenConns is pinned to 1: every new connection to ":memory:" would
// otherwise see its own empty database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// pragmas returns name/value pairs in application order. journal_mode
// comes first so WAL is in place before any schema write.
func pragmas(cfg *config) [][2]string {
	fk := "0"
	if cfg.foreignKeys {
		fk = "1"
	}
	return [][2]string{
		{"journal_mode", "WAL"},
		{"busy_timeout", strconv.Itoa(cfg.busyTimeout)},
		{"synchronous", cfg.synchronous},
		{"foreign_keys", fk},
	}
}

func pragmaQuery(cfg *config) string {
	parts := make([]string, 0, 4)
	for _, p := range pragmas(cfg) {
		parts = append(parts, "_pragma="+url.QueryEscape(p[0]+"("+p[1]+")"))
	}
	return strings.Join(parts, "&")
}

func execPragmas(db *sql.DB, cfg *config) error {
	for _, p := range pragmas(cfg) {
		stmt := "PRAGMA " + p[0] + " = " + p[1]
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("dbopen: %s: %w", stmt, err)
		}
	}
	return nil
}
