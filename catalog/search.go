package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Search runs a full-text query over snapshot URLs and titles. Each term is
// quoted, so FTS5 operators in user input are matched literally; all terms
// must match. An empty query returns no hits.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*SearchHit, error) {
	match := ftsQuery(query)
	hits := []*SearchHit{}
	if match == "" {
		return hits, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT s.id, s.url, s.title, s.timestamp, rank
		FROM snapshots_fts f
		JOIN snapshots s ON s.rowid = f.rowid
		WHERE snapshots_fts MATCH ?
		ORDER BY rank, s.timestamp DESC
		LIMIT ?`, match, clampLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h SearchHit
		var ts int64
		if err := rows.Scan(&h.SnapshotID, &h.URL, &h.Title, &ts, &h.Rank); err != nil {
			return nil, fmt.Errorf("catalog: scan search hit: %w", err)
		}
		h.Timestamp = time.UnixMilli(ts).UTC()
		hits = append(hits, &h)
	}
	return hits, rows.Err()
}

func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
