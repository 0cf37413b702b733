package safety

import (
	"sync"
	"sync/atomic"
	"time"
)

type state struct {
	assessment Assessment
}

// Machine tracks the current safety level per session. Transitions only
// happen through Apply with a completed deep-analysis assessment; the most
// recent assessment by timestamp wins, so out-of-order completions never
// regress the level to an older reading.
//
// The per-session state is a compare-and-swap pointer rather than a lock so
// no mutex is ever held while a provider call is in flight.
type Machine struct {
	mu       sync.Mutex
	sessions map[string]*atomic.Pointer[state]
}

// NewMachine creates an empty machine. Sessions start at green implicitly.
func NewMachine() *Machine {
	return &Machine{sessions: make(map[string]*atomic.Pointer[state])}
}

func (m *Machine) slot(sessionID string) *atomic.Pointer[state] {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[sessionID]
	if !ok {
		p = &atomic.Pointer[state]{}
		m.sessions[sessionID] = p
	}
	return p
}

// Apply installs the assessment unless a newer one is already in place.
// It returns the assessment that is current after the call and whether the
// supplied one was the winner.
func (m *Machine) Apply(sessionID string, a Assessment) (Assessment, bool) {
	slot := m.slot(sessionID)
	next := &state{assessment: a}
	for {
		cur := slot.Load()
		if cur != nil && cur.assessment.AssessedAt.After(a.AssessedAt) {
			return cur.assessment, false
		}
		if slot.CompareAndSwap(cur, next) {
			return a, true
		}
	}
}

// Current returns the session's latest assessment. Sessions never touched by
// a deep analysis report a green baseline.
func (m *Machine) Current(sessionID string) Assessment {
	m.mu.Lock()
	p, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return NewAssessment(LevelGreen, "", "", time.Time{})
	}
	cur := p.Load()
	if cur == nil {
		return NewAssessment(LevelGreen, "", "", time.Time{})
	}
	return cur.assessment
}

// Forget drops the in-memory state for a completed session.
func (m *Machine) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
