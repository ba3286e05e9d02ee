package txn

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a transaction context.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCommitting
	StateCommitted
	StateRolledBack
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateActive:
		return "Active"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateRolledBack:
		return "RolledBack"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateAborted
}

// Sequence issues DML sequence numbers. One Sequence is shared by every attempt
// of a logical operation, so the numbers keep increasing across retries.
type Sequence struct {
	mu sync.Mutex
	n  int64
}

// Next increments the counter and returns the new value. The first value is 1.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}

// Current returns the last issued value, 0 if none.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
