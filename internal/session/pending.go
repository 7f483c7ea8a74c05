package session

import (
	"sync"
	"time"

	"github.com/ashureev/scan-gate/internal/domain"
)

// PendingRegistry tracks, per user, the session whose success should resume
// a blocked action. Only the latest registration per user is kept.
type PendingRegistry struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]domain.PendingExecution
}

// NewPendingRegistry creates a registry whose entries stay valid for timeout.
func NewPendingRegistry(timeout time.Duration) *PendingRegistry {
	return &PendingRegistry{
		timeout: timeout,
		entries: make(map[string]domain.PendingExecution),
	}
}

// Register records sessionID as the pending execution of userID.
func (r *PendingRegistry) Register(userID, sessionID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = domain.PendingExecution{
		UserID:       userID,
		SessionID:    sessionID,
		RegisteredAt: now,
	}
}

// GetAndClear removes the entry for userID and returns it if still valid.
func (r *PendingRegistry) GetAndClear(userID string, now time.Time) (domain.PendingExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe, ok := r.entries[userID]
	if !ok {
		return domain.PendingExecution{}, false
	}
	delete(r.entries, userID)
	if now.Sub(pe.RegisteredAt) >= r.timeout {
		return domain.PendingExecution{}, false
	}
	return pe, true
}

// Sweep drops entries older than the timeout and returns the count.
func (r *PendingRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for userID, pe := range r.entries {
		if now.Sub(pe.RegisteredAt) >= r.timeout {
			delete(r.entries, userID)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of registered entries.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
