package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultSweepInterval = 30 * time.Second

// SweepStats counts what one sweep evicted.
type SweepStats struct {
	Sessions           int
	SensitiveGrants    int
	FirstContactGrants int
	PendingExecutions  int
}

func (s SweepStats) total() int {
	return s.Sessions + s.SensitiveGrants + s.FirstContactGrants + s.PendingExecutions
}

// Sweeper periodically evicts timed-out sessions, stale grants and stale
// pending executions from a Manager.
type Sweeper struct {
	mgr      *Manager
	interval time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper. A non-positive interval uses 30s.
func NewSweeper(mgr *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{mgr: mgr, interval: interval, logger: mgr.logger}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.logger.Info("Sweeper started", "interval", s.interval)

		for {
			select {
			case <-ticker.C:
				s.SweepOnce(s.mgr.now())
			case <-ctx.Done():
				s.logger.Info("Sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Wait blocks until the loop has exited and provider cleanups have returned.
func (s *Sweeper) Wait() {
	s.wg.Wait()
	s.mgr.WaitCleanup()
}

// SweepOnce performs a single pass as of now.
func (s *Sweeper) SweepOnce(now time.Time) SweepStats {
	stats := SweepStats{
		Sessions:           s.mgr.sweepSessions(now),
		SensitiveGrants:    s.mgr.sensitive.Sweep(now),
		FirstContactGrants: s.mgr.firstContact.Sweep(now),
		PendingExecutions:  s.mgr.pending.Sweep(now),
	}
	if stats.total() > 0 {
		s.logger.Info("Sweep completed",
			"sessions", stats.Sessions,
			"sensitive_grants", stats.SensitiveGrants,
			"first_contact_grants", stats.FirstContactGrants,
			"pending_executions", stats.PendingExecutions)
	}
	return stats
}

// sweepSessions expires every session that outlived the timeout at now.
func (m *Manager) sweepSessions(now time.Time) int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	expired := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.done || !e.session.TimedOut(now, m.cfg.SessionTimeout) {
			e.mu.Unlock()
			continue
		}
		m.expireLocked(e)
		expired++
	}
	return expired
}
