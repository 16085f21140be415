// Package events is the append-only event log backing every weekly
// cycle. Rows are inserted, never updated or deleted; event_id is the
// AUTOINCREMENT rowid, so ordering is strictly monotonic across the
// whole log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    event_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    week_id     TEXT NOT NULL,
    account_id  TEXT NOT NULL DEFAULT '',
    event_type  TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_week ON events(week_id, event_type);
CREATE INDEX IF NOT EXISTS idx_events_account ON events(week_id, account_id);
`

// Store is the SQLite-backed event log.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open initializes the database at path, creating the directory and
// schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log := logging.Named("events")
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debugw("pragma failed", "pragma", pragma, "err", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Append persists one event and returns its assigned event_id. The
// given event's EventID and CreatedAt are ignored; the store stamps
// both.
func (s *Store) Append(ctx context.Context, ev domain.Event) (int64, error) {
	if ev.WeekID == "" {
		return 0, fmt.Errorf("append event: empty week id")
	}
	if ev.Type == "" {
		return 0, fmt.Errorf("append event: empty event type")
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	createdAt := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (week_id, account_id, event_type, created_at, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		string(ev.WeekID), string(ev.AccountID), string(ev.Type),
		createdAt.Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	s.log.Debugw("event appended", "event_id", id, "week", ev.WeekID, "type", ev.Type)
	return id, nil
}

// Filter narrows List queries. Zero values match everything.
type Filter struct {
	WeekID    domain.WeekID
	AccountID domain.AccountID
	Type      domain.EventType
	// AfterID returns only events with event_id greater than this.
	AfterID int64
	Limit   int
}

// List returns matching events ordered by event_id ascending.
func (s *Store) List(ctx context.Context, f Filter) ([]domain.Event, error) {
	query := `SELECT event_id, week_id, account_id, event_type, created_at, payload
	          FROM events WHERE event_id > ?`
	args := []any{f.AfterID}
	if f.WeekID != "" {
		query += " AND week_id = ?"
		args = append(args, string(f.WeekID))
	}
	if f.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, string(f.AccountID))
	}
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY event_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Latest returns the most recent event of the given type for a week, or
// nil when none exists.
func (s *Store) Latest(ctx context.Context, weekID domain.WeekID, typ domain.EventType) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, week_id, account_id, event_type, created_at, payload
		 FROM events WHERE week_id = ? AND event_type = ?
		 ORDER BY event_id DESC LIMIT 1`,
		string(weekID), string(typ),
	)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Weeks returns the distinct week ids present in the log, newest first.
func (s *Store) Weeks(ctx context.Context) ([]domain.WeekID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT week_id FROM events ORDER BY week_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list weeks: %w", err)
	}
	defer rows.Close()

	var out []domain.WeekID
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan week: %w", err)
		}
		out = append(out, domain.WeekID(w))
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (domain.Event, error) {
	var ev domain.Event
	var week, account, typ, created, payload string
	if err := row.Scan(&ev.EventID, &week, &account, &typ, &created, &payload); err != nil {
		if err == sql.ErrNoRows {
			return ev, err
		}
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return ev, fmt.Errorf("scan event timestamp: %w", err)
	}
	ev.WeekID = domain.WeekID(week)
	ev.AccountID = domain.AccountID(account)
	ev.Type = domain.EventType(typ)
	ev.CreatedAt = ts
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}
