package enrich

import (
	"sync"

	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/internal/registry"
)

// State is the lifecycle state of one enrichment session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is a terminal one.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// allowed transitions. Reconnects go back from streaming to connecting;
// cancellation is legal from any non-terminal state.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateCancelled, StateFailed},
	StateConnecting: {StateStreaming, StateConnecting, StateFailed, StateCancelled},
	StateStreaming:  {StateConnecting, StateCompleted, StateFailed, StateCancelled},
}

// Session is one enrichment operation: its task group, run correlation map,
// guarded state machine, and outcome counters.
type Session struct {
	TaskGroupID string
	RunMap      model.RunMap

	mu        sync.Mutex
	state     State
	succeeded int
	failed    int

	// applied dedups run applications so a replayed completion event is a
	// no-op on both the grid and the counters.
	applied *registry.OnceSet
}

// NewSession creates an idle session for a submitted task group.
func NewSession(taskGroupID string, runMap model.RunMap) *Session {
	return &Session{
		TaskGroupID: taskGroupID,
		RunMap:      runMap,
		state:       StateIdle,
		applied:     registry.NewOnceSet(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to next if the state machine allows it. Returns false on
// a disallowed transition (including any transition out of a terminal
// state), leaving the state untouched.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ok := range transitions[s.state] {
		if ok == next {
			s.state = next
			return true
		}
	}
	return false
}

// firstApplication reports whether this is the first terminal event seen
// for the run.
func (s *Session) firstApplication(runID string) bool {
	return s.applied.First(runID)
}

func (s *Session) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded++
}

func (s *Session) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// Counts returns the success and failure tallies.
func (s *Session) Counts() (succeeded, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded, s.failed
}

// Summary is the aggregate outcome of a finished session.
type Summary struct {
	TaskGroupID string
	Succeeded   int
	Failed      int
	State       State
}
