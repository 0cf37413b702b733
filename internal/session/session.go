// Package session defines the live counseling session entity and its
// persistence contract.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/careloop/careloop-engine/internal/safety"
)

// Mode distinguishes practice sessions from live client work.
type Mode string

const (
	ModePractice Mode = "practice"
	ModeLive     Mode = "live"
)

// Valid reports whether the mode is known.
func (m Mode) Valid() bool {
	return m == ModePractice || m == ModeLive
}

var (
	// ErrNotFound indicates an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrCompleted indicates an operation that requires a live session hit a
	// completed one.
	ErrCompleted = errors.New("session already completed")
)

// Session is one live counseling interaction. The analysis orchestrator
// never mutates it directly: segments arrive through the transcript
// aggregator and the safety level changes only through the safety machine.
type Session struct {
	ID               string       `json:"session_id"`
	CounselorID      string       `json:"counselor_id"`
	Mode             Mode         `json:"mode"`
	SafetyLevel      safety.Level `json:"safety_level"`
	SafetyAssessedAt *time.Time   `json:"safety_assessed_at,omitempty"`
	Completed        bool         `json:"completed"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// NewID returns a sortable 26-character session identifier.
func NewID() string {
	return ulid.Make().String()
}

// Store defines persistence behaviour for sessions.
//
// SetSafetyLevel carries the assessment time of the level it persists.
// Implementations must drop writes whose assessedAt is older than the one
// already stored, so that out-of-order persists cannot roll the session back
// to a stale level.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSafetyLevel(ctx context.Context, id string, level safety.Level, assessedAt time.Time) error
	CompleteSession(ctx context.Context, id string, at time.Time) error
}
