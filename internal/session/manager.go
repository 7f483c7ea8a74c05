// Package session owns verification sessions, the grace-period grant caches
// and the pending-execution registry.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/scan-gate/internal/config"
	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/provider"
	"github.com/ashureev/scan-gate/internal/store"
)

const (
	cleanupTimeout = 10 * time.Second
	subscriberBuf  = 8
)

// VerifiedFunc is called once for every session that completes verification.
type VerifiedFunc func(s domain.AuthSession)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used by the manager and its caches.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

type entry struct {
	mu      sync.Mutex
	session domain.AuthSession
	done    bool // resolved or evicted; no further changes
}

type liveKey struct {
	userID  string
	purpose domain.Purpose
}

// Manager is the single owner of sessions, grants and pending executions.
type Manager struct {
	cfg       config.AuthConfig
	providers *provider.Registry
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	live     map[liveKey]string

	firstContact *GrantCache
	sensitive    *GrantCache
	pending      *PendingRegistry

	hooksMu    sync.RWMutex
	onVerified []VerifiedFunc

	subsMu sync.Mutex
	subs   map[string]map[chan domain.Outcome]struct{}

	cleanups sync.WaitGroup
}

// NewManager creates a manager. First-contact grants are written to grants in
// the background until Close; call Restore to load what was persisted earlier.
func NewManager(cfg config.AuthConfig, providers *provider.Registry, grants store.GrantStore, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		now:       time.Now,
		sessions:  make(map[string]*entry),
		live:      make(map[liveKey]string),
		subs:      make(map[string]map[chan domain.Outcome]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.firstContact = NewGrantCache(domain.PurposeFirstContact, cfg.FirstContactGrace, grants, m.logger)
	m.sensitive = NewGrantCache(domain.PurposeSensitiveOperation, cfg.SensitiveGrace, nil, m.logger)
	m.pending = NewPendingRegistry(cfg.PendingExecTimeout)
	return m
}

// Restore loads persisted first-contact grants.
func (m *Manager) Restore(ctx context.Context) error {
	n, err := m.firstContact.Restore(ctx, m.now())
	if err != nil {
		return fmt.Errorf("restore first-contact grants: %w", err)
	}
	m.logger.Info("Restored first-contact grants", "count", n)
	return nil
}

// OnVerified registers fn to run after each successful verification.
// Callbacks run on the verifying goroutine after all locks are released.
func (m *Manager) OnVerified(fn VerifiedFunc) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onVerified = append(m.onVerified, fn)
}

// SessionTimeout returns the configured session lifetime.
func (m *Manager) SessionTimeout() time.Duration { return m.cfg.SessionTimeout }

// CreateSession starts a verification for userID using the default method.
func (m *Manager) CreateSession(ctx context.Context, userID string, purpose domain.Purpose, octx domain.OriginalContext) (domain.AuthSession, error) {
	if !purpose.Valid() {
		return domain.AuthSession{}, fmt.Errorf("unknown purpose %q", purpose)
	}
	method := m.cfg.DefaultMethod
	p, ok := m.providers.Get(method)
	if !ok {
		return domain.AuthSession{}, fmt.Errorf("%w: %s", ErrNoProvider, method)
	}

	s := domain.AuthSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Purpose:   purpose,
		Method:    method,
		CreatedAt: m.now(),
		Status:    domain.StatusPending,
		Context:   octx,
	}
	if err := p.Initialize(ctx, &s); err != nil {
		return domain.AuthSession{}, fmt.Errorf("initialize %s challenge: %w", method, err)
	}
	m.clampChallenge(&s)

	m.mu.Lock()
	m.sessions[s.ID] = &entry{session: s.Clone()}
	m.live[liveKey{userID, purpose}] = s.ID
	m.mu.Unlock()

	m.logger.Info("Verification session created",
		"session_id", s.ID,
		"user_id", userID,
		"purpose", purpose,
		"method", method)
	return s, nil
}

// GetSession returns a copy of the session. It never evicts.
func (m *Manager) GetSession(id string) (domain.AuthSession, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return domain.AuthSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return domain.AuthSession{}, false
	}
	return e.session.Clone(), true
}

// LiveSession returns the newest non-terminal session for the pair.
func (m *Manager) LiveSession(userID string, purpose domain.Purpose) (domain.AuthSession, bool) {
	m.mu.RLock()
	id, ok := m.live[liveKey{userID, purpose}]
	var e *entry
	if ok {
		e = m.sessions[id]
	}
	m.mu.RUnlock()
	if e == nil {
		return domain.AuthSession{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.session.Status.Terminal() || e.session.TimedOut(m.now(), m.cfg.SessionTimeout) {
		return domain.AuthSession{}, false
	}
	return e.session.Clone(), true
}

// Verify asks the session's provider whether the challenge was satisfied.
// On success the user is granted for the session's purpose, the session is
// removed and OnVerified callbacks run. Provider errors become unsuccessful
// outcomes carrying the current status.
func (m *Manager) Verify(ctx context.Context, id, userInput string) (domain.Outcome, error) {
	e, ok := m.lookup(id)
	if !ok {
		return domain.Outcome{}, ErrSessionNotFound
	}

	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return domain.Outcome{}, ErrSessionNotFound
	}
	if e.session.TimedOut(m.now(), m.cfg.SessionTimeout) {
		return m.expireLocked(e), nil
	}
	if st := e.session.Status; st == domain.StatusFailed || st == domain.StatusExpired {
		e.mu.Unlock()
		return domain.Outcome{Status: st, Error: "verification " + string(st)}, nil
	}
	snap := e.session.Clone()
	e.mu.Unlock()

	p, ok := m.providers.Get(snap.Method)
	if !ok {
		return domain.Outcome{}, fmt.Errorf("%w: %s", ErrNoProvider, snap.Method)
	}

	out, err := p.Verify(ctx, snap, userInput)
	if err != nil {
		m.logger.Warn("Provider verification failed",
			"session_id", id,
			"method", snap.Method,
			"error", err)
		out = domain.Outcome{Status: snap.Status, Error: err.Error()}
	}
	return m.apply(e, snap, out)
}

// apply records a provider outcome if the session is still the one that
// was polled.
func (m *Manager) apply(e *entry, snap domain.AuthSession, out domain.Outcome) (domain.Outcome, error) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return domain.Outcome{}, ErrSessionNotFound
	}
	if e.session.TimedOut(m.now(), m.cfg.SessionTimeout) {
		return m.expireLocked(e), nil
	}
	if e.session.ChallengeToken != snap.ChallengeToken {
		// challenge was refreshed while polling the old one
		out = domain.Outcome{Status: e.session.Status}
		e.mu.Unlock()
		return out, nil
	}

	if out.Success {
		e.done = true
		e.session.Status = domain.StatusVerified
		s := e.session.Clone()
		e.mu.Unlock()

		m.complete(s)
		out.Status = domain.StatusVerified
		return out, nil
	}

	changed := false
	if out.Status != e.session.Status && (out.Status == domain.StatusScanned || out.Status == domain.StatusFailed || out.Status == domain.StatusExpired) {
		if e.session.Status.CanTransition(out.Status) {
			e.session.Status = out.Status
			changed = true
		}
	}
	id := e.session.ID
	e.mu.Unlock()

	if changed {
		m.logger.Info("Session status changed", "session_id", id, "status", out.Status)
		m.publish(id, out, false)
	}
	return out, nil
}

// UpdateStatus applies an externally observed transition. Moving to
// verified completes the session exactly like a successful Verify.
func (m *Manager) UpdateStatus(id string, status domain.Status) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return ErrSessionNotFound
	}
	if e.session.TimedOut(m.now(), m.cfg.SessionTimeout) {
		m.expireLocked(e)
		return ErrSessionExpired
	}
	cur := e.session.Status
	if !cur.CanTransition(status) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
	}
	e.session.Status = status

	if status == domain.StatusVerified {
		e.done = true
		s := e.session.Clone()
		e.mu.Unlock()
		m.complete(s)
		return nil
	}
	e.mu.Unlock()

	m.publish(id, domain.Outcome{Status: status}, false)
	return nil
}

// RefreshChallenge issues a new challenge for a session that has not timed
// out. The session goes back to pending, including after a failed or
// expired challenge.
func (m *Manager) RefreshChallenge(ctx context.Context, id string) (domain.AuthSession, error) {
	e, ok := m.lookup(id)
	if !ok {
		return domain.AuthSession{}, ErrSessionNotFound
	}

	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return domain.AuthSession{}, ErrSessionNotFound
	}
	if e.session.TimedOut(m.now(), m.cfg.SessionTimeout) {
		m.expireLocked(e)
		return domain.AuthSession{}, ErrSessionExpired
	}
	snap := e.session.Clone()
	e.mu.Unlock()

	p, ok := m.providers.Get(snap.Method)
	if !ok {
		return domain.AuthSession{}, fmt.Errorf("%w: %s", ErrNoProvider, snap.Method)
	}
	if err := p.Initialize(ctx, &snap); err != nil {
		return domain.AuthSession{}, fmt.Errorf("refresh %s challenge: %w", snap.Method, err)
	}
	m.clampChallenge(&snap)

	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return domain.AuthSession{}, ErrSessionNotFound
	}
	if e.session.TimedOut(m.now(), m.cfg.SessionTimeout) {
		m.expireLocked(e)
		return domain.AuthSession{}, ErrSessionExpired
	}
	e.session.ChallengeToken = snap.ChallengeToken
	e.session.ChallengePayload = snap.ChallengePayload
	e.session.ChallengeExpiry = snap.ChallengeExpiry
	e.session.Status = domain.StatusPending
	out := e.session.Clone()
	e.mu.Unlock()

	m.logger.Info("Challenge refreshed", "session_id", id, "user_id", out.UserID)
	m.publish(id, domain.Outcome{Status: domain.StatusPending}, false)
	return out, nil
}

// IsTrusted reports whether userID holds a live grant for purpose.
func (m *Manager) IsTrusted(userID string, purpose domain.Purpose) bool {
	c := m.grants(purpose)
	if c == nil {
		return false
	}
	return c.IsTrusted(userID, m.now())
}

// ClearGrant revokes the grant of userID for purpose.
func (m *Manager) ClearGrant(userID string, purpose domain.Purpose) {
	if c := m.grants(purpose); c != nil && c.Clear(userID) {
		m.logger.Info("Grant cleared", "user_id", userID, "purpose", purpose)
	}
}

// Grants lists the cached grants for purpose.
func (m *Manager) Grants(purpose domain.Purpose) []domain.GrantRecord {
	if c := m.grants(purpose); c != nil {
		return c.Records()
	}
	return nil
}

// RegisterPendingExecution marks sessionID as the one that resumes the
// blocked action of userID. A later registration replaces it.
func (m *Manager) RegisterPendingExecution(userID, sessionID string) {
	m.pending.Register(userID, sessionID, m.now())
}

// GetAndClearPendingExecution removes and returns the pending execution of
// userID if it is still valid.
func (m *Manager) GetAndClearPendingExecution(userID string) (domain.PendingExecution, bool) {
	return m.pending.GetAndClear(userID, m.now())
}

// Subscribe streams status changes of session id. The channel is closed
// once the session resolves; cancel releases it early.
func (m *Manager) Subscribe(id string) (<-chan domain.Outcome, func(), error) {
	if _, ok := m.GetSession(id); !ok {
		return nil, nil, ErrSessionNotFound
	}

	ch := make(chan domain.Outcome, subscriberBuf)
	m.subsMu.Lock()
	set, ok := m.subs[id]
	if !ok {
		set = make(map[chan domain.Outcome]struct{})
		m.subs[id] = set
	}
	set[ch] = struct{}{}
	m.subsMu.Unlock()

	cancel := func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if set, ok := m.subs[id]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(m.subs, id)
				}
			}
		}
	}
	// resolved between the first check and registration
	if _, ok := m.GetSession(id); !ok {
		cancel()
		return nil, nil, ErrSessionNotFound
	}
	return ch, cancel, nil
}

// FlushGrants blocks until grant changes made so far have reached the store.
func (m *Manager) FlushGrants() {
	m.firstContact.Flush()
	m.sensitive.Flush()
}

// Close writes queued grant changes and stops the grant writers.
func (m *Manager) Close() {
	m.firstContact.Close()
	m.sensitive.Close()
}

// WaitCleanup blocks until in-flight provider cleanups return.
func (m *Manager) WaitCleanup() {
	m.cleanups.Wait()
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

func (m *Manager) grants(purpose domain.Purpose) *GrantCache {
	switch purpose {
	case domain.PurposeFirstContact:
		return m.firstContact
	case domain.PurposeSensitiveOperation:
		return m.sensitive
	default:
		return nil
	}
}

// clampChallenge keeps the challenge from outliving the session.
func (m *Manager) clampChallenge(s *domain.AuthSession) {
	deadline := s.Deadline(m.cfg.SessionTimeout)
	if s.ChallengeExpiry.IsZero() || s.ChallengeExpiry.After(deadline) {
		s.ChallengeExpiry = deadline
	}
}

// expireLocked resolves a timed-out session. e.mu must be held; it is
// released before returning.
func (m *Manager) expireLocked(e *entry) domain.Outcome {
	e.done = true
	e.session.Status = domain.StatusExpired
	s := e.session.Clone()
	e.mu.Unlock()

	out := domain.Outcome{Status: domain.StatusExpired, Error: "session expired"}
	m.evict(s)
	m.publish(s.ID, out, true)
	m.cleanup(s)
	m.logger.Info("Session expired", "session_id", s.ID, "user_id", s.UserID)
	return out
}

func (m *Manager) evict(s domain.AuthSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
	key := liveKey{s.UserID, s.Purpose}
	if m.live[key] == s.ID {
		delete(m.live, key)
	}
}

func (m *Manager) complete(s domain.AuthSession) {
	m.evict(s)
	if c := m.grants(s.Purpose); c != nil {
		c.Grant(s.UserID, m.now())
	}
	m.publish(s.ID, domain.Outcome{Success: true, Status: domain.StatusVerified}, true)
	m.cleanup(s)

	m.logger.Info("User verified",
		"session_id", s.ID,
		"user_id", s.UserID,
		"purpose", s.Purpose)

	m.hooksMu.RLock()
	hooks := append([]VerifiedFunc(nil), m.onVerified...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// publish fans out a status change. Slow subscribers miss intermediate
// updates. final closes every subscriber channel of id.
func (m *Manager) publish(id string, out domain.Outcome, final bool) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	set, ok := m.subs[id]
	if !ok {
		return
	}
	for ch := range set {
		select {
		case ch <- out:
		default:
		}
	}
	if final {
		for ch := range set {
			close(ch)
		}
		delete(m.subs, id)
	}
}

// cleanup runs the provider's Cleanup for s in the background.
func (m *Manager) cleanup(s domain.AuthSession) {
	p, ok := m.providers.Get(s.Method)
	if !ok {
		return
	}
	m.cleanups.Add(1)
	go func() {
		defer m.cleanups.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Provider cleanup panicked", "session_id", s.ID, "method", s.Method, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := p.Cleanup(ctx, s.ID); err != nil {
			m.logger.Warn("Provider cleanup failed", "session_id", s.ID, "method", s.Method, "error", err)
		}
	}()
}
