package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one entry of a session timeline.
type Event struct {
	ID        int64
	SessionID string
	Seq       int64
	Type      string
	Text      string
	Payload   []byte
	CreatedAt time.Time
}

// SessionRecord summarises one recognition session.
type SessionRecord struct {
	SessionID string
	Locale    string
	Device    string
	State     string
	ErrorKind string
	CreatedAt time.Time
	EndedAt   time.Time
}

// Store keeps session timelines in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. The ephemeral
// retention mode keeps nothing and never touches disk.
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    locale TEXT,
    device TEXT,
    state TEXT NOT NULL,
    error_kind TEXT,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER,
    event_type TEXT NOT NULL,
    text TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
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

// AppendSession inserts the session row, or refreshes locale and device when
// it already exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, locale, device, state string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, locale, device, state, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET locale=excluded.locale, device=excluded.device`,
		sessionID, locale, device, state, s.clock().UTC())
	return err
}

// UpdateSessionState records the latest state. Terminal states also stamp
// ended_at.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID, locale, state, errorKind string, terminal bool) error {
	if s.disabled() {
		return nil
	}
	var ended any
	if terminal {
		ended = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, locale = COALESCE(NULLIF(?, ''), locale),
		 error_kind = COALESCE(NULLIF(?, ''), error_kind), ended_at = COALESCE(?, ended_at)
		 WHERE session_id = ?`,
		state, locale, errorKind, ended, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, sql.ErrNoRows)
	}
	return nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, seq, event_type, text, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Seq, evt.Type, evt.Text, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// GetSession returns the stored summary of a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if s.disabled() {
		return SessionRecord{}, sql.ErrNoRows
	}
	var rec SessionRecord
	var locale, device, errorKind, ended sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, locale, device, state, error_kind, created_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &locale, &device, &rec.State, &errorKind, &created, &ended)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.Locale = locale.String
	rec.Device = device.String
	rec.ErrorKind = errorKind.String
	rec.CreatedAt = parseTime(created)
	if ended.Valid {
		rec.EndedAt = parseTime(ended.String)
	}
	return rec, nil
}

// ListSessionEvents retrieves up to limit events for a session in insertion
// order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, event_type, text, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var seq sql.NullInt64
		var text sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &e.Type, &text, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Seq = seq.Int64
		e.Text = text.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention. It runs on startup and
// periodically from the recorder.
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
