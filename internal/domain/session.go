package domain

import (
	"time"
)

// Purpose selects which grace-period cache a verification feeds.
type Purpose string

const (
	PurposeFirstContact       Purpose = "first_contact"
	PurposeSensitiveOperation Purpose = "sensitive_operation"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeFirstContact || p == PurposeSensitiveOperation
}

// Status is the verification state of an AuthSession.
type Status string

const (
	StatusPending  Status = "pending"
	StatusScanned  Status = "scanned"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// Terminal returns true for states that never transition again.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed || s == StatusExpired
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusScanned || next.Terminal()
	case StatusScanned:
		return next.Terminal()
	default:
		return false
	}
}

// OriginalContext describes the action that is gated behind verification.
type OriginalContext struct {
	Channel    string         `json:"channel"`
	To         string         `json:"to"`
	AccountID  string         `json:"account_id,omitempty"`
	Command    string         `json:"command,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`
}

// AuthSession is one verification attempt.
type AuthSession struct {
	ID               string          `json:"session_id"`
	UserID           string          `json:"user_id"`
	Purpose          Purpose         `json:"purpose"`
	Method           string          `json:"method"`
	CreatedAt        time.Time       `json:"created_at"`
	Status           Status          `json:"status"`
	ChallengeToken   string          `json:"-"`
	ChallengePayload string          `json:"challenge_payload,omitempty"`
	ChallengeExpiry  time.Time       `json:"challenge_expiry"`
	Context          OriginalContext `json:"context"`
}

// Deadline returns the instant the session stops being valid.
func (s *AuthSession) Deadline(timeout time.Duration) time.Time {
	return s.CreatedAt.Add(timeout)
}

// TimedOut reports whether the session outlived timeout at now.
func (s *AuthSession) TimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.CreatedAt) > timeout
}

// ChallengeTTL returns the time left on the challenge.
// Returns 0 if the challenge has already expired.
func (s *AuthSession) ChallengeTTL(now time.Time) time.Duration {
	ttl := s.ChallengeExpiry.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Clone returns a copy that shares no mutable state with s.
func (s AuthSession) Clone() AuthSession {
	if s.Context.ToolParams != nil {
		params := make(map[string]any, len(s.Context.ToolParams))
		for k, v := range s.Context.ToolParams {
			params[k] = v
		}
		s.Context.ToolParams = params
	}
	return s
}
