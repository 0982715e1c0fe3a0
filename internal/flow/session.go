package flow

import (
	"sync"
	"time"
)

// SessionState tracks a capture session's lifecycle.
type SessionState string

const (
	SessionStopped  SessionState = "stopped"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionPausing  SessionState = "pausing"
	SessionPaused   SessionState = "paused"
	SessionStopping SessionState = "stopping"
	SessionError    SessionState = "error"
)

// Session owns a bounded ring of flows, the active rule set, and the
// current filter state for one capture run. Flows is the single piece of
// mutable shared state in the model: one writer (the pipeline dispatcher)
// appends/evicts under mu, many readers take a snapshot via Flows().
type Session struct {
	ID       string
	Name     string
	MaxFlows int // 0 = unbounded

	mu         sync.RWMutex
	state      SessionState
	flows      []*Flow
	nextSeq    int64
	rules      []*Rule // copy-on-write: replaced wholesale by SetRules
	filter     *FilterState
	startedAt  *time.Time
	stoppedAt  *time.Time
	metadata   map[string]string
}

// NewSession creates a stopped session with no flows or rules.
func NewSession(id, name string, maxFlows int) *Session {
	return &Session{
		ID:       id,
		Name:     name,
		MaxFlows: maxFlows,
		state:    SessionStopped,
		metadata: map[string]string{},
	}
}

// NextSequence allocates the next monotonic sequence number, the single
// writer invariant (v) in the data model.
func (s *Session) NextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

// AddFlow appends f, evicting the oldest flow by sequence number if
// MaxFlows is exceeded.
func (s *Session) AddFlow(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, f)
	if s.MaxFlows > 0 && len(s.flows) > s.MaxFlows {
		s.flows = s.flows[len(s.flows)-s.MaxFlows:]
	}
}

// UpdateFlow replaces the flow with matching ID, if present.
func (s *Session) UpdateFlow(updated *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.flows {
		if f.ID == updated.ID {
			s.flows[i] = updated
			return
		}
	}
}

// GetFlow returns the flow with the given ID, or nil.
func (s *Session) GetFlow(id string) *Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Flows returns a snapshot slice of the current flows, safe for the caller
// to range over without holding any lock.
func (s *Session) Flows() []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Flow, len(s.flows))
	copy(out, s.flows)
	return out
}

// Clear empties the flow ring.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = nil
}

// SetRules atomically replaces the rule set. In-flight flows that already
// read the old slice via Rules() keep seeing it; the swap is a single
// pointer/slice-header write under the lock.
func (s *Session) SetRules(rules []*Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// Rules returns the currently active rule set.
func (s *Session) Rules() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// SetFilterState replaces the active filter.
func (s *Session) SetFilterState(fs *FilterState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = fs
}

// FilterState returns the active filter, or nil if none is set.
func (s *Session) FilterState() *FilterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to a new state. Error is reachable from any
// state; all other transitions are the caller's responsibility to sequence
// correctly (the session itself doesn't enforce the Stopped->Starting->...
// ordering beyond stamping timestamps).
func (s *Session) Transition(to SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	switch to {
	case SessionRunning:
		if s.startedAt == nil {
			s.startedAt = &now
		}
	case SessionStopped:
		s.stoppedAt = &now
	}
	s.state = to
}
