// Package observability records domain-level events for the collecte
// runtime: collection runs accepted, cancellations, project registration.
// Event writes are best-effort — a failing observability store never blocks
// or fails the operation that emitted the event.
package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/collecte/idgen"
)

// Schema holds the event log table, kept in the catalog database.
const Schema = `
CREATE TABLE IF NOT EXISTS collect_events (
    event_id    TEXT PRIMARY KEY,
    action      TEXT NOT NULL,
    project_key TEXT NOT NULL DEFAULT '',
    entity_id   TEXT NOT NULL DEFAULT '',
    details     TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collect_events_time ON collect_events(created_at DESC);
`

// Event is one recorded domain event.
type Event struct {
	EventID    string `json:"event_id"`
	Action     string `json:"action"`
	ProjectKey string `json:"project_key"`
	EntityID   string `json:"entity_id"`
	Details    string `json:"details"` // optional JSON
	CreatedAt  int64  `json:"created_at"`
}

// EventLogger writes events to the catalog database.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewEventLogger creates a logger backed by db and applies the schema.
func NewEventLogger(db *sql.DB) (*EventLogger, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	return &EventLogger{db: db, newID: idgen.Prefixed("evt_", idgen.Default)}, nil
}

// Log records an event. Errors are logged via slog and swallowed.
func (l *EventLogger) Log(ctx context.Context, e Event) {
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO collect_events (event_id, action, project_key, entity_id, details, created_at)
		VALUES (?,?,?,?,?,?)`,
		e.EventID, e.Action, e.ProjectKey, e.EntityID, e.Details, e.CreatedAt)
	if err != nil {
		slog.Warn("observability: event write failed", "action", e.Action, "error", err)
	}
}

// LogAsync records an event on a separate goroutine with its own deadline,
// for call sites that must not wait on the catalog.
func (l *EventLogger) LogAsync(e Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.Log(ctx, e)
	}()
}

// Recent returns the newest events, most recent first.
func (l *EventLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, action, project_key, entity_id, details, created_at
		FROM collect_events ORDER BY created_at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.Action, &e.ProjectKey, &e.EntityID, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
