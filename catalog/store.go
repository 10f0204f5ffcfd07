// Package catalog is the queryable index of a node's archive: snapshot rows
// keyed by URL and time, the payload dedup index, and a small FTS5 search
// over URLs and titles. Backed by SQLite through dbopen.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/warcfed/dbopen"
	"github.com/hazyhaar/warcfed/idgen"

	_ "modernc.org/sqlite"
)

const snapshotColumns = `id, url, timestamp, warc_file, "offset", length, sha256,
	status_code, content_type, payload_hash, title, origin, created_at`

// MaxLimit caps every list query.
const MaxLimit = 1000

// Store wraps the catalog database. Safe for concurrent use.
type Store struct {
	DB    *sql.DB
	NewID idgen.Generator
	now   func() time.Time
}

// Open opens (or creates) the catalog database at path and applies Schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return New(db), nil
}

// New wraps an already-opened database. The schema must already be applied.
func New(db *sql.DB) *Store {
	return &Store{DB: db, NewID: idgen.Default, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Insert adds a snapshot. Missing ID and CreatedAt are filled in; the
// timestamp is truncated to the catalog's millisecond resolution.
func (s *Store) Insert(ctx context.Context, snap *Snapshot) error {
	if snap.URL == "" || snap.WarcFile == "" || snap.SHA256 == "" {
		return fmt.Errorf("catalog: insert: url, warc_file and sha256 are required")
	}
	if snap.Offset < 0 || snap.Length <= 0 {
		return fmt.Errorf("catalog: insert: invalid range %d+%d", snap.Offset, snap.Length)
	}
	if snap.ID == "" {
		snap.ID = s.NewID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	snap.Timestamp = snap.Timestamp.UTC().Truncate(time.Millisecond)
	snap.CreatedAt = snap.CreatedAt.UTC().Truncate(time.Millisecond)

	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO snapshots (id, url, url_key, timestamp, warc_file, "offset", length,
		sha256, status_code, content_type, payload_hash, title, origin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.URL, urlKey(snap.URL), snap.Timestamp.UnixMilli(), snap.WarcFile,
		snap.Offset, snap.Length, snap.SHA256, snap.StatusCode, snap.ContentType,
		nullString(snap.PayloadHash), snap.Title, snap.Origin, snap.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog: insert snapshot: %w", err)
	}
	return nil
}

// FindLatestAtOrBefore returns the newest snapshot of url whose timestamp is
// not after t. Equal timestamps resolve to the most recently inserted row.
// Returns (nil, nil) when no such snapshot exists.
//
// Timestamps are stored and compared in whole milliseconds, both floored:
// a snapshot taken later within the same millisecond as t still matches.
func (s *Store) FindLatestAtOrBefore(ctx context.Context, url string, t time.Time) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE url_key = ? AND timestamp <= ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`,
		urlKey(url), t.UnixMilli())
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: find latest: %w", err)
	}
	return snap, nil
}

// ExistsByHash reports whether any snapshot carries the given content hash.
func (s *Store) ExistsByHash(ctx context.Context, sha256 string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM snapshots WHERE sha256 = ? LIMIT 1`, sha256).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: exists by hash: %w", err)
	}
	return true, nil
}

// Get returns a snapshot by id, or (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get snapshot: %w", err)
	}
	return snap, nil
}

// Manifest lists snapshots inside a timestamp window.
func (s *Store) Manifest(ctx context.Context, q ManifestQuery) ([]*Snapshot, error) {
	var where []string
	var args []any
	if !q.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.To.UnixMilli())
	}
	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Order == OrderAsc {
		query += " ORDER BY timestamp ASC, rowid ASC"
	} else {
		query += " ORDER BY timestamp DESC, rowid DESC"
	}
	query += " LIMIT ?"
	args = append(args, clampLimit(q.Limit, 100))

	return s.list(ctx, "manifest", query, args...)
}

// Timeline lists the snapshots of one URL, newest first.
func (s *Store) Timeline(ctx context.Context, url string, limit int) ([]*Snapshot, error) {
	return s.list(ctx, "timeline",
		`SELECT `+snapshotColumns+` FROM snapshots WHERE url_key = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		urlKey(url), clampLimit(limit, 100))
}

// Count returns the number of snapshots.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return n, nil
}

// Each calls fn for every snapshot in insertion order, stopping at the
// first error.
func (s *Store) Each(ctx context.Context, fn func(*Snapshot) error) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("catalog: each: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return fmt.Errorf("catalog: each: %w", err)
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]*Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", op, err)
	}
	defer rows.Close()

	snaps := []*Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", op, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (*Snapshot, error) {
	var snap Snapshot
	var ts, created int64
	var payloadHash sql.NullString
	err := sc.Scan(&snap.ID, &snap.URL, &ts, &snap.WarcFile, &snap.Offset, &snap.Length,
		&snap.SHA256, &snap.StatusCode, &snap.ContentType, &payloadHash, &snap.Title,
		&snap.Origin, &created)
	if err != nil {
		return nil, err
	}
	snap.Timestamp = time.UnixMilli(ts).UTC()
	snap.CreatedAt = time.UnixMilli(created).UTC()
	snap.PayloadHash = payloadHash.String
	return &snap, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
