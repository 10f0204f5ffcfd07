package catalog

import "time"

// Snapshot is one catalog row: a URL at an instant, pointing at exactly one
// block in the record log. Rows are never updated.
type Snapshot struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
	WarcFile    string    `json:"warc_file"`
	Offset      int64     `json:"offset"`
	Length      int64     `json:"length"`
	SHA256      string    `json:"sha256"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	PayloadHash string    `json:"payload_hash,omitempty"` // empty when unknown
	Title       string    `json:"title,omitempty"`
	Origin      string    `json:"origin,omitempty"` // peer node id; empty for local captures
	CreatedAt   time.Time `json:"created_at"`
}

// PayloadLocation is the canonical block holding a payload.
type PayloadLocation struct {
	Hash       string    `json:"hash"`
	WarcPath   string    `json:"warc_path"`
	WarcOffset int64     `json:"warc_offset"`
	WarcLength int64     `json:"warc_length"`
	CreatedAt  time.Time `json:"created_at"`
}

// Order is the timestamp ordering of a manifest.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// ManifestQuery selects snapshots by timestamp window. Zero bounds are open.
type ManifestQuery struct {
	From  time.Time
	To    time.Time
	Limit int
	Order Order
}

// SearchHit is one local search result.
type SearchHit struct {
	SnapshotID string    `json:"snapshot_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Rank       float64   `json:"rank"`
}
