// Package provider defines the pluggable verification capability and the
// registry that maps method names to implementations.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/scan-gate/internal/domain"
)

// Provider issues and checks challenges for one verification method.
type Provider interface {
	// Name is the method name sessions record at creation time.
	Name() string

	// Initialize fills the challenge fields of s. Calling it again replaces
	// the challenge.
	Initialize(ctx context.Context, s *domain.AuthSession) error

	// Verify checks whether the challenge of s has been satisfied. It must
	// return an expired outcome without network I/O once the challenge has
	// expired.
	Verify(ctx context.Context, s domain.AuthSession, userInput string) (domain.Outcome, error)

	// Cleanup releases anything held for sessionID. A no-op is valid.
	Cleanup(ctx context.Context, sessionID string) error
}

// Registry holds exactly one provider per method name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry pre-populated with providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p under p.Name(). A second provider with the same name is rejected.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider registered for method.
func (r *Registry) Get(method string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[method]
	return p, ok
}

// Names lists registered method names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
