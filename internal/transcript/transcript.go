// Package transcript owns the ordered append of recording segments and the
// aggregate transcript views built from them. Position order is
// authoritative; segment timestamps are advisory only.
package transcript

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/careloop/careloop-engine/internal/session"
)

// Separator joins segments into the aggregate transcript.
const Separator = "\n\n"

// timeTolerance is how far a segment's start may precede the previous
// segment's end before a warning is logged.
const timeTolerance = 2 * time.Second

// Segment is one ordered slice of session transcript. Position is assigned
// by the aggregator, never by the client, and is immutable once stored.
type Segment struct {
	SessionID    string    `json:"session_id"`
	Position     int       `json:"position"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Duration     float64   `json:"duration_seconds"`
	Text         string    `json:"text"`
	RedactedText string    `json:"redacted_text,omitempty"`
}

// Store defines persistence behaviour for segments. Implementations must
// reject inserts whose position is not exactly one past the current maximum
// for the session; such a rejection signals a concurrency bug, not user error.
type Store interface {
	InsertSegment(ctx context.Context, seg *Segment) error
	ListSegments(ctx context.Context, sessionID string) ([]Segment, error)
	CountSegments(ctx context.Context, sessionID string) (int, error)
}

// Aggregator serializes appends and window reads per session. The lock is
// held only around store access, never across any external call.
type Aggregator struct {
	store    Store
	sessions session.Store
	logger   *log.Logger
	locks    sync.Map // sessionID -> *sync.Mutex
}

// NewAggregator creates an aggregator over the given stores.
func NewAggregator(store Store, sessions session.Store, logger *log.Logger) *Aggregator {
	return &Aggregator{store: store, sessions: sessions, logger: logger}
}

func (a *Aggregator) lock(sessionID string) *sync.Mutex {
	mu, _ := a.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (a *Aggregator) warnf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

// Append assigns the next position to the segment, stores it and returns the
// assigned position plus the rune length of the updated aggregate transcript.
// A segment whose declared time range runs backwards relative to the previous
// segment is stored anyway with a warning: wall clocks drift, positions don't.
func (a *Aggregator) Append(ctx context.Context, sessionID string, seg Segment) (int, int, error) {
	sess, err := a.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	if sess.Completed {
		return 0, 0, session.ErrCompleted
	}

	mu := a.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := a.store.ListSegments(ctx, sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("list segments: %w", err)
	}

	seg.SessionID = sessionID
	seg.Position = len(existing) + 1
	if seg.Duration <= 0 && !seg.EndedAt.IsZero() && !seg.StartedAt.IsZero() {
		seg.Duration = seg.EndedAt.Sub(seg.StartedAt).Seconds()
	}

	if n := len(existing); n > 0 {
		prev := existing[n-1]
		if !seg.StartedAt.IsZero() && !prev.EndedAt.IsZero() && prev.EndedAt.Sub(seg.StartedAt) > timeTolerance {
			a.warnf("transcript: session=%s segment position=%d starts %.1fs before previous end (advisory only)",
				sessionID, seg.Position, prev.EndedAt.Sub(seg.StartedAt).Seconds())
		}
	}

	if err := a.store.InsertSegment(ctx, &seg); err != nil {
		return 0, 0, fmt.Errorf("insert segment: %w", err)
	}

	total := 0
	for _, s := range existing {
		total += len([]rune(s.Text)) + len(Separator)
	}
	total += len([]rune(seg.Text))
	return seg.Position, total, nil
}

// FullText returns the aggregate transcript: segments joined by a double
// line-break in position order.
func (a *Aggregator) FullText(ctx context.Context, sessionID string) (string, error) {
	mu := a.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	segs, err := a.store.ListSegments(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list segments: %w", err)
	}
	return joinSegments(segs), nil
}

// Window returns the smallest suffix of segments whose cumulative duration
// covers at least the trailing `seconds` of segment time, joined like the
// full transcript. When the whole session is shorter than the window it
// returns everything.
func (a *Aggregator) Window(ctx context.Context, sessionID string, seconds float64) (string, error) {
	mu := a.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	segs, err := a.store.ListSegments(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list segments: %w", err)
	}
	if len(segs) == 0 {
		return "", nil
	}

	var covered float64
	start := len(segs)
	for start > 0 && covered < seconds {
		start--
		covered += segs[start].Duration
	}
	return joinSegments(segs[start:]), nil
}

func joinSegments(segs []Segment) string {
	if len(segs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, Separator)
}
