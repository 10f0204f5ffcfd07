package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy bounds the retries of a write that hit a locked database.
// Attempt n waits Base<<n before trying again.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetry is used by Exec. Together with the busy_timeout
// pragma it covers a sync batch and a capture contending for the writer.
var DefaultRetry = RetryPolicy{Attempts: 4, Base: 50 * time.Millisecond}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including
// extended codes. Errors that lost their type are matched on the message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Exec executes a single statement, retrying under DefaultRetry while the
// database is busy.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return withRetry(ctx, DefaultRetry, func() (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}

func withRetry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	for i := 0; ; i++ {
		v, err := fn()
		if err == nil || !IsBusy(err) || i == attempts-1 {
			return v, err
		}
		t := time.NewTimer(p.Base << i)
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, fmt.Errorf("dbopen: retry abandoned: %w", ctx.Err())
		case <-t.C:
		}
	}
}
