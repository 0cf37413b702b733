// Package memory provides an in-memory store for tests and single-process
// development runs. Semantics mirror the sqlite backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/careloop/careloop-engine/internal/analysislog"
	"github.com/careloop/careloop-engine/internal/safety"
	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/transcript"
)

// Store keeps all state in process memory guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	segments map[string][]transcript.Segment
	entries  map[string][]analysislog.Entry
}

var (
	_ session.Store     = (*Store)(nil)
	_ transcript.Store  = (*Store)(nil)
	_ analysislog.Store = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		segments: make(map[string][]transcript.Segment),
		entries:  make(map[string][]analysislog.Entry),
	}
}

// ---- session.Store ----

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.SafetyLevel == "" {
		sess.SafetyLevel = safety.LevelGreen
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) SetSafetyLevel(ctx context.Context, id string, level safety.Level, assessedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if sess.SafetyAssessedAt != nil && sess.SafetyAssessedAt.After(assessedAt) {
		// A newer assessment already landed; stale writes are dropped.
		return nil
	}
	sess.SafetyLevel = level
	at := assessedAt
	sess.SafetyAssessedAt = &at
	return nil
}

func (s *Store) CompleteSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if !sess.Completed {
		sess.Completed = true
		sess.CompletedAt = &at
	}
	return nil
}

// ---- transcript.Store ----

func (s *Store) InsertSegment(ctx context.Context, seg *transcript.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := s.segments[seg.SessionID]
	if want := len(segs) + 1; seg.Position != want {
		return fmt.Errorf("segment position invariant violated: got %d, want %d", seg.Position, want)
	}
	s.segments[seg.SessionID] = append(segs, *seg)
	return nil
}

func (s *Store) ListSegments(ctx context.Context, sessionID string) ([]transcript.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := s.segments[sessionID]
	out := make([]transcript.Segment, len(segs))
	copy(out, segs)
	return out, nil
}

func (s *Store) CountSegments(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments[sessionID]), nil
}

// ---- analysislog.Store ----

func (s *Store) AppendEntry(ctx context.Context, e *analysislog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Index = len(s.entries[e.SessionID])
	s.entries[e.SessionID] = append(s.entries[e.SessionID], *e)
	return nil
}

func (s *Store) ListEntries(ctx context.Context, sessionID string) ([]analysislog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[sessionID]
	out := make([]analysislog.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) DeleteEntry(ctx context.Context, sessionID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[sessionID]
	if index < 0 || index >= len(entries) {
		return analysislog.ErrIndexOutOfRange
	}
	entries = append(entries[:index], entries[index+1:]...)
	for i := index; i < len(entries); i++ {
		entries[i].Index = i
	}
	s.entries[sessionID] = entries
	return nil
}
