package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/warcfed/dbopen"
)

func TestOpen_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}
}

func TestOpen_MkdirAllAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "catalog.db")
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(`CREATE TABLE t (id INTEGER PRIMARY KEY)`),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	// WHAT: A second pooled connection to a file database has the same
	// busy_timeout and foreign_keys as the first.
	// WHY: Both are per-connection; a writer without busy_timeout fails at
	// once with SQLITE_BUSY while sync and capture contend.
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "c.db"), dbopen.WithBusyTimeout(4321))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	var conns []*sql.Conn
	for range 2 {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		conns = append(conns, c)
	}
	for i, c := range conns {
		var busy, fk int
		c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy)
		c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk)
		if busy != 4321 || fk != 1 {
			t.Fatalf("conn %d: busy_timeout=%d foreign_keys=%d", i, busy, fk)
		}
	}
}

func TestOpen_BadSchema(t *testing.T) {
	_, err := dbopen.Open(":memory:", dbopen.WithSchema(`NOT SQL`))
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestIsBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY (5)"), true},
		{errors.New("no such table"), false},
		{fmt.Errorf("catalog: insert: %w", errors.New("database is locked (5) (SQLITE_BUSY)")), true},
	}
	for _, c := range cases {
		if got := dbopen.IsBusy(c.err); got != c.want {
			t.Errorf("IsBusy(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id INTEGER PRIMARY KEY)`))
	res, err := dbopen.Exec(context.Background(), db, `INSERT INTO t (id) VALUES (?)`, 7)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("rows affected = %d", n)
	}
}

func TestExec_NotBusyFailsFast(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id INTEGER PRIMARY KEY)`))
	ctx := context.Background()
	dbopen.Exec(ctx, db, `INSERT INTO t (id) VALUES (1)`)

	start := time.Now()
	_, err := dbopen.Exec(ctx, db, `INSERT INTO t (id) VALUES (1)`)
	if err == nil {
		t.Fatal("duplicate key accepted")
	}
	if dbopen.IsBusy(err) {
		t.Fatalf("constraint error classified as busy: %v", err)
	}
	if time.Since(start) > 40*time.Millisecond {
		t.Fatal("non-busy error was retried")
	}
}
