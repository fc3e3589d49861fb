// Package eventstore keeps a SQLite timeline of client sessions and the
// stream events that happened on them.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-audio/internal/config"
	_ "modernc.org/sqlite"
)

// Event types recorded for streams.
const (
	TypeStreamConnected    = "stream.connected"
	TypeStreamConnectError = "stream.connect_error"
	TypeStreamDisconnected = "stream.disconnected"
)

// Event is one recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	StreamID  uint32
	Type      string
	Code      int32
	Payload   []byte
	CreatedAt time.Time
}

// Session is one client connection as recorded by the daemon.
type Session struct {
	SessionID string
	NodeID    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Store wraps a SQLite-backed event timeline store. An ephemeral store
// accepts every call and records nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(2000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    node_id TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS stream_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    stream_id INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    code INTEGER NOT NULL DEFAULT 0,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_stream_events_session_created ON stream_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession records the start of a client session. Reopening an existing
// session clears its end time.
func (s *Store) OpenSession(ctx context.Context, sessionID, nodeID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, node_id, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET node_id=excluded.node_id, ended_at=NULL`,
		sessionID, nodeID, s.clock().UTC())
	return err
}

// CloseSession stamps the end of a session.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.clock().UTC(), sessionID)
	return err
}

// AppendEvent writes an event into the store. The session must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_events(session_id, trace_id, stream_id, event_type, code, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, int64(evt.StreamID), evt.Type, evt.Code, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, stream_id, event_type, code, payload, created_at
		 FROM stream_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			streamID int64
			traceID  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &traceID, &streamID, &e.Type, &e.Code, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.StreamID = uint32(streamID)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, node_id, started_at, ended_at FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess   Session
			nodeID sql.NullString
			ended  sql.NullTime
		)
		if err := rows.Scan(&sess.SessionID, &nodeID, &sess.StartedAt, &ended); err != nil {
			return nil, err
		}
		sess.NodeID = nodeID.String
		if ended.Valid {
			t := ended.Time
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM stream_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
