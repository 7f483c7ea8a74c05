// Package store provides persistence for first-contact verification grants.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/scan-gate/internal/domain"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// GrantStore persists the full set of first-contact grants.
//
// Save replaces the stored set with records; Load returns whatever was last
// saved. Callers treat both as best-effort and keep in-memory state
// authoritative when they fail.
type GrantStore interface {
	// Load returns every persisted grant.
	Load(ctx context.Context) ([]domain.GrantRecord, error)

	// Save atomically rewrites the persisted set.
	Save(ctx context.Context, records []domain.GrantRecord) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
