// Package history records proxy lifecycle events in the SQLite journal.
package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vpn-netns-proxy/internal/database"
)

// Kind classifies a journal event.
type Kind string

const (
	KindStart    Kind = "start"
	KindReuse    Kind = "reuse"
	KindStop     Kind = "stop"
	KindIdleStop Kind = "idle-stop"
	KindRotate   Kind = "rotate"
	KindFallback Kind = "fallback"
	KindFailure  Kind = "failure"
	KindStopAll  Kind = "stop-all"
)

// Event is one journal row.
type Event struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	Slug      string    `json:"slug,omitempty"`
	Port      int       `json:"port,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Store reads and writes events.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the journal database at path.
func Open(path string) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends ev, stamping it with the current time when unset.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxy_events (timestamp, kind, slug, port, namespace, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Time.Unix(), string(ev.Kind), ev.Slug, ev.Port, ev.Namespace, ev.Detail)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, kind, slug, port, namespace, detail
		   FROM proxy_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev   Event
			ts   int64
			kind string
		)
		if err := rows.Scan(&ev.ID, &ts, &kind, &ev.Slug, &ev.Port, &ev.Namespace, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Time = time.Unix(ts, 0).UTC()
		ev.Kind = Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune removes events past the retention window.
func (s *Store) Prune(context.Context) (int64, error) {
	return database.Cleanup(s.db)
}
