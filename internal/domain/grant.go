// Package domain contains core domain types for the scan-gate service.
package domain

import (
	"time"
)

// GrantRecord is the persisted form of a verification grant.
type GrantRecord struct {
	UserID    string    `json:"user_id"`
	GrantedAt time.Time `json:"granted_at"`
}

// Live reports whether the grant is still inside its grace window.
func (g GrantRecord) Live(now time.Time, grace time.Duration) bool {
	return now.Sub(g.GrantedAt) < grace
}

// PendingExecution binds a blocked action to the session that will unblock it.
type PendingExecution struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Outcome is the result of one verification attempt.
type Outcome struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`

	// Identity is the claim returned by the provider on success.
	Identity string `json:"-"`
}
