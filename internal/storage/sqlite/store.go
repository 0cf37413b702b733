// Package sqlite persists sessions, recording segments and the analysis log
// in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/careloop/careloop-engine/internal/analysislog"
	"github.com/careloop/careloop-engine/internal/safety"
	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/transcript"
)

// Store implements session.Store, transcript.Store and analysislog.Store
// backed by SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ session.Store     = (*Store)(nil)
	_ transcript.Store  = (*Store)(nil)
	_ analysislog.Store = (*Store)(nil)
)

// New opens (or creates) the session store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	counselor_id TEXT NOT NULL,
	mode TEXT NOT NULL CHECK(mode IN ('practice','live')),
	safety_level TEXT NOT NULL DEFAULT 'green',
	safety_assessed_at TIMESTAMP,
	completed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS recording_segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	position INTEGER NOT NULL,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	duration_seconds REAL NOT NULL DEFAULT 0,
	text TEXT NOT NULL,
	redacted_text TEXT,
	UNIQUE(session_id, position)
);

CREATE TABLE IF NOT EXISTS analysis_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('quick','deep')),
	payload TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	fallback INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_analysis_log_session ON analysis_log(session_id, idx);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- session.Store ----

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return errors.New("session id required")
	}
	if sess.SafetyLevel == "" {
		sess.SafetyLevel = safety.LevelGreen
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, counselor_id, mode, safety_level, completed, created_at)
VALUES(?, ?, ?, ?, 0, ?)`,
		sess.ID, sess.CounselorID, string(sess.Mode), string(sess.SafetyLevel), sess.CreatedAt)
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, counselor_id, mode, safety_level, safety_assessed_at, completed, created_at, completed_at
FROM sessions WHERE id = ?`, id)

	var (
		sess        session.Session
		mode, level string
		assessedAt  sql.NullTime
		completed   int
		completedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.CounselorID, &mode, &level, &assessedAt, &completed, &sess.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Mode = session.Mode(mode)
	sess.SafetyLevel = safety.Level(level)
	sess.Completed = completed != 0
	if assessedAt.Valid {
		t := assessedAt.Time
		sess.SafetyAssessedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}

// SetSafetyLevel updates the session's current level. Writes carrying an
// assessment time older than the stored one are dropped, so concurrent
// analyses that persist out of order cannot roll the level back.
func (s *Store) SetSafetyLevel(ctx context.Context, id string, level safety.Level, assessedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET safety_level = ?, safety_assessed_at = ?
WHERE id = ? AND (safety_assessed_at IS NULL OR safety_assessed_at <= ?)`,
		string(level), assessedAt, id, assessedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the session is unknown or a newer assessment already landed.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CompleteSession flips the completion flag; completing twice is harmless.
func (s *Store) CompleteSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET completed = 1, completed_at = COALESCE(completed_at, ?)
WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// ---- transcript.Store ----

// InsertSegment stores a segment at its assigned position. The position must
// be exactly one past the current maximum; anything else means two appends
// raced past the aggregator lock and is reported as an internal invariant
// violation.
func (s *Store) InsertSegment(ctx context.Context, seg *transcript.Segment) error {
	var maxPos sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(position) FROM recording_segments WHERE session_id = ?`, seg.SessionID).Scan(&maxPos); err != nil {
		return err
	}
	if want := int(maxPos.Int64) + 1; seg.Position != want {
		return fmt.Errorf("segment position invariant violated: got %d, want %d", seg.Position, want)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recording_segments(session_id, position, started_at, ended_at, duration_seconds, text, redacted_text)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		seg.SessionID, seg.Position, seg.StartedAt, seg.EndedAt, seg.Duration, seg.Text, seg.RedactedText)
	return err
}

// ListSegments returns the session's segments in position order.
func (s *Store) ListSegments(ctx context.Context, sessionID string) ([]transcript.Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, position, started_at, ended_at, duration_seconds, text, redacted_text
FROM recording_segments WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []transcript.Segment
	for rows.Next() {
		var (
			seg            transcript.Segment
			started, ended sql.NullTime
			redacted       sql.NullString
		)
		if err := rows.Scan(&seg.SessionID, &seg.Position, &started, &ended, &seg.Duration, &seg.Text, &redacted); err != nil {
			return nil, err
		}
		if started.Valid {
			seg.StartedAt = started.Time
		}
		if ended.Valid {
			seg.EndedAt = ended.Time
		}
		seg.RedactedText = redacted.String
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// CountSegments returns how many segments the session has.
func (s *Store) CountSegments(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recording_segments WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// ---- analysislog.Store ----

type entryPayload struct {
	Quick *analysislog.QuickResult `json:"quick,omitempty"`
	Deep  *analysislog.DeepResult  `json:"deep,omitempty"`
}

// AppendEntry assigns the next dense index inside a transaction and stores
// the entry.
func (s *Store) AppendEntry(ctx context.Context, e *analysislog.Entry) error {
	payload, err := json.Marshal(entryPayload{Quick: e.Quick, Deep: e.Deep})
	if err != nil {
		return fmt.Errorf("marshal entry payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_log WHERE session_id = ?`, e.SessionID).Scan(&count); err != nil {
		return err
	}
	e.Index = count

	if _, err := tx.ExecContext(ctx, `
INSERT INTO analysis_log(session_id, idx, created_at, kind, payload, confidence, fallback)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Index, e.CreatedAt, string(e.Kind), string(payload), e.Confidence, boolToInt(e.Fallback)); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEntries returns the session's analysis history ordered by index.
func (s *Store) ListEntries(ctx context.Context, sessionID string) ([]analysislog.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, idx, created_at, kind, payload, confidence, fallback
FROM analysis_log WHERE session_id = ? ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []analysislog.Entry
	for rows.Next() {
		var (
			e        analysislog.Entry
			kind     string
			payload  string
			fallback int
		)
		if err := rows.Scan(&e.SessionID, &e.Index, &e.CreatedAt, &kind, &payload, &e.Confidence, &fallback); err != nil {
			return nil, err
		}
		e.Kind = analysislog.Kind(kind)
		e.Fallback = fallback != 0
		var p entryPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal entry payload: %w", err)
		}
		e.Quick = p.Quick
		e.Deep = p.Deep
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntry removes the entry at index and compacts every later index down
// by one, preserving density.
func (s *Store) DeleteEntry(ctx context.Context, sessionID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_log WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return err
	}
	if index < 0 || index >= count {
		return analysislog.ErrIndexOutOfRange
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM analysis_log WHERE session_id = ? AND idx = ?`, sessionID, index); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE analysis_log SET idx = idx - 1 WHERE session_id = ? AND idx > ?`, sessionID, index); err != nil {
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
