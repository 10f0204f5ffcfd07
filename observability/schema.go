package observability

import (
	"database/sql"
	"fmt"
)

// Schema is the DDL for the node event journal. It lives next to the
// catalog tables in the same database.
const Schema = `
CREATE TABLE IF NOT EXISTS node_events (
    event_id   TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    peer_id    TEXT NOT NULL DEFAULT '',
    details    TEXT NOT NULL DEFAULT '{}',
    success    INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_node_events_time ON node_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_node_events_peer ON node_events(peer_id, created_at DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}
