package session

import "errors"

var (
	// ErrSessionNotFound is returned for unknown, resolved or evicted session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoProvider is returned when no provider is registered for a method.
	ErrNoProvider = errors.New("no provider registered for method")
	// ErrSessionExpired is returned when a session outlived its timeout.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidTransition is returned for status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)
