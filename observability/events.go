// Package observability keeps a durable journal of node events: peer
// handshakes and bans, per-peer sync outcomes and integrity checks.
// Writes never fail the operation being journaled.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/warcfed/idgen"
)

// Event types written by the archive node.
const (
	EventHandshake = "peer_handshake"
	EventPeerBan   = "peer_banned"
	EventSyncPeer  = "sync_peer"
	EventCheck     = "integrity_check"
)

// Event is one journal row.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Peer      string          `json:"peer,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Success   bool            `json:"success"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventFilter narrows Recent. Zero fields match everything.
type EventFilter struct {
	Type  string
	Peer  string
	Limit int
}

// EventLogger writes and reads the journal.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventClock overrides the clock used for created_at.
func WithEventClock(fn func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = fn }
}

// WithEventLogger sets the slog logger that receives write failures.
func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates a journal over db. Init must have been applied.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records an event. details is marshalled to JSON; nil stores {}.
// Errors are logged and swallowed.
func (l *EventLogger) LogEvent(ctx context.Context, eventType, peer string, success bool, details any) {
	payload := []byte("{}")
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			l.logger.Warn("observability: marshal event details", "type", eventType, "error", err)
		} else {
			payload = b
		}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO node_events (event_id, event_type, peer_id, details, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.newID(), eventType, peer, string(payload), success, l.now().UnixMilli())
	if err != nil {
		l.logger.Error("observability: event log failed", "type", eventType, "peer", peer, "error", err)
	}
}

// Recent returns the newest events matching f, newest first. The limit
// defaults to 50 and is capped at 1000.
func (l *EventLogger) Recent(ctx context.Context, f EventFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, event_type, peer_id, details, success, created_at
		FROM node_events
		WHERE (? = '' OR event_type = ?) AND (? = '' OR peer_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		f.Type, f.Type, f.Peer, f.Peer, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var details string
		var ms int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Peer, &details, &e.Success, &ms); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.Details = json.RawMessage(details)
		e.CreatedAt = time.UnixMilli(ms).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than retention and returns how many went.
// A non-positive retention keeps everything.
func (l *EventLogger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := l.now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM node_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: prune events: %w", err)
	}
	return res.RowsAffected()
}

// RunPruner prunes once immediately, then every interval until ctx is done.
func (l *EventLogger) RunPruner(ctx context.Context, retention, interval time.Duration) {
	prune := func() {
		n, err := l.Prune(ctx, retention)
		if err != nil {
			l.logger.Warn("observability: prune failed", "error", err)
			return
		}
		if n > 0 {
			l.logger.Info("observability: pruned events", "deleted", n)
		}
	}
	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
