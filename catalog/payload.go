package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/warcfed/dbopen"
)

// LookupPayload returns the canonical location of a payload, or (nil, nil).
func (s *Store) LookupPayload(ctx context.Context, hash string) (*PayloadLocation, error) {
	var loc PayloadLocation
	var created int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT hash, warc_path, warc_offset, warc_length, created_at
		FROM payloads WHERE hash = ?`, hash).
		Scan(&loc.Hash, &loc.WarcPath, &loc.WarcOffset, &loc.WarcLength, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: lookup payload: %w", err)
	}
	loc.CreatedAt = time.UnixMilli(created).UTC()
	return &loc, nil
}

// RegisterPayload records the canonical location of a payload. The first
// registration wins: later calls for the same hash are no-ops and report
// false.
func (s *Store) RegisterPayload(ctx context.Context, loc PayloadLocation) (bool, error) {
	if loc.Hash == "" || loc.WarcPath == "" || loc.WarcLength <= 0 {
		return false, fmt.Errorf("catalog: register payload: hash, path and length are required")
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = s.now()
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT OR IGNORE INTO payloads (hash, warc_path, warc_offset, warc_length, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		loc.Hash, loc.WarcPath, loc.WarcOffset, loc.WarcLength, loc.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("catalog: register payload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("catalog: register payload: %w", err)
	}
	return n == 1, nil
}

// CountPayloads returns the number of distinct registered payloads.
func (s *Store) CountPayloads(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM payloads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count payloads: %w", err)
	}
	return n, nil
}
