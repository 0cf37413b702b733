// Package analysislog keeps the append-only, index-addressable history of
// analysis results per session. Indices are dense 0..len-1 at all times;
// deletion compacts rather than tombstones.
package analysislog

import (
	"context"
	"errors"
	"time"

	"github.com/careloop/careloop-engine/internal/safety"
)

// Kind tags which analysis flow produced an entry.
type Kind string

const (
	KindQuick Kind = "quick"
	KindDeep  Kind = "deep"
)

// ErrIndexOutOfRange is returned by Delete for an index outside 0..len-1.
// It is a caller error, never a crash.
var ErrIndexOutOfRange = errors.New("analysis log index out of range")

// Citation points a suggestion back at its knowledge-base source.
type Citation struct {
	Source    string `json:"source"`
	TheoryTag string `json:"theory_tag,omitempty"`
}

// QuickResult carries the quick-feedback fields of an entry.
type QuickResult struct {
	Message    string   `json:"message"`
	Keywords   []string `json:"keywords,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// DeepResult carries the deep-analysis fields of an entry.
type DeepResult struct {
	Level       safety.Level `json:"level"`
	Summary     string       `json:"summary"`
	Alerts      []string     `json:"alerts,omitempty"`
	Suggestions []string     `json:"suggestions,omitempty"`
	Citations   []Citation   `json:"citations,omitempty"`
}

// Entry is one historical analysis result. Exactly one of Quick or Deep is
// set, matching Kind.
type Entry struct {
	SessionID  string       `json:"session_id"`
	Index      int          `json:"index"`
	CreatedAt  time.Time    `json:"created_at"`
	Kind       Kind         `json:"kind"`
	Quick      *QuickResult `json:"quick,omitempty"`
	Deep       *DeepResult  `json:"deep,omitempty"`
	Confidence float64      `json:"confidence"`
	Fallback   bool         `json:"fallback"`
}

// Store defines persistence behaviour for the analysis log.
type Store interface {
	// AppendEntry assigns the next dense index and stores the entry.
	AppendEntry(ctx context.Context, e *Entry) error
	// ListEntries returns all entries for the session ordered by index.
	ListEntries(ctx context.Context, sessionID string) ([]Entry, error)
	// DeleteEntry removes the entry at index and shifts every later entry
	// down by one. Out-of-range indices return ErrIndexOutOfRange and leave
	// the log unchanged.
	DeleteEntry(ctx context.Context, sessionID string, index int) error
}
