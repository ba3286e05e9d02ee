// Package session manages backend sessions: the per-session Handle,
// a Pool of reusable handles and a Registry of pools keyed by database.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNestedTransaction is returned when a transaction is opened on a handle
// which already has one in progress.
var ErrNestedTransaction = errors.New("transaction already in progress on this session")

// Handle is a client-side handle of one backend session.
type Handle struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	active     any
}

func newHandle(id string, createdAt time.Time) *Handle {
	return &Handle{id: id, createdAt: createdAt, lastActive: createdAt}
}

// ID returns the backend session name.
func (h *Handle) ID() string { return h.id }

// CreatedAt returns when the session was created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// LastActive returns when the session was last used successfully.
func (h *Handle) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}

// Touch records a successful use at t.
func (h *Handle) Touch(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.After(h.lastActive) {
		h.lastActive = t
	}
}

// Attach marks the handle as used by tx.
// It fails with ErrNestedTransaction while another transaction is attached.
func (h *Handle) Attach(tx any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		return ErrNestedTransaction
	}
	h.active = tx
	return nil
}

// Detach clears the marker set by Attach. It is a no-op if tx is not the attached one.
func (h *Handle) Detach(tx any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == tx {
		h.active = nil
	}
}

// Active returns the attached transaction, or nil.
func (h *Handle) Active() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}
