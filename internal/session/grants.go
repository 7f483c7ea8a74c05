package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/store"
)

const persistTimeout = 5 * time.Second

// GrantCache remembers which users verified for one purpose and for how long
// that verification stays valid. A cache with a store hands its full record
// set to a background writer on every change; callers never wait on the store.
type GrantCache struct {
	purpose domain.Purpose
	grace   time.Duration
	store   store.GrantStore
	logger  *slog.Logger

	mu     sync.Mutex
	grants map[string]time.Time
	gen    uint64 // bumped on every change that must reach the store

	wmu     sync.Mutex
	wcond   *sync.Cond
	written uint64
	closed  bool

	kick      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewGrantCache creates a cache. st may be nil for a process-lifetime cache.
// A cache with a store runs a writer goroutine until Close.
func NewGrantCache(purpose domain.Purpose, grace time.Duration, st store.GrantStore, logger *slog.Logger) *GrantCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &GrantCache{
		purpose: purpose,
		grace:   grace,
		store:   st,
		logger:  logger,
		grants:  make(map[string]time.Time),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.wcond = sync.NewCond(&c.wmu)
	if st != nil {
		go c.writer()
	} else {
		close(c.stopped)
	}
	return c
}

// Restore loads persisted grants, dropping the ones already outside the
// grace window. Stale records are removed from the store.
func (c *GrantCache) Restore(ctx context.Context, now time.Time) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	records, err := c.store.Load(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	stale := 0
	for _, r := range records {
		if !r.Live(now, c.grace) {
			stale++
			continue
		}
		if prev, ok := c.grants[r.UserID]; !ok || r.GrantedAt.After(prev) {
			c.grants[r.UserID] = r.GrantedAt
		}
	}
	loaded := len(c.grants)
	c.mu.Unlock()

	if stale > 0 {
		c.logger.Info("Discarded stale grants on restore", "purpose", c.purpose, "count", stale)
		c.persist()
	}
	return loaded, nil
}

// Grant records a verification for userID at now, replacing any earlier one.
func (c *GrantCache) Grant(userID string, now time.Time) {
	c.mu.Lock()
	c.grants[userID] = now
	c.mu.Unlock()
	c.persist()
}

// IsTrusted reports whether userID verified within the grace window.
// A stale grant found here is evicted.
func (c *GrantCache) IsTrusted(userID string, now time.Time) bool {
	c.mu.Lock()
	grantedAt, ok := c.grants[userID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if now.Sub(grantedAt) < c.grace {
		c.mu.Unlock()
		return true
	}
	delete(c.grants, userID)
	c.mu.Unlock()

	c.persist()
	return false
}

// Clear removes the grant for userID. It reports whether one existed.
func (c *GrantCache) Clear(userID string) bool {
	c.mu.Lock()
	_, ok := c.grants[userID]
	delete(c.grants, userID)
	c.mu.Unlock()

	if ok {
		c.persist()
	}
	return ok
}

// Sweep evicts every grant outside the grace window and returns the count.
func (c *GrantCache) Sweep(now time.Time) int {
	c.mu.Lock()
	evicted := 0
	for userID, grantedAt := range c.grants {
		if now.Sub(grantedAt) >= c.grace {
			delete(c.grants, userID)
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.persist()
	}
	return evicted
}

// Records returns the cached grants sorted by user id.
func (c *GrantCache) Records() []domain.GrantRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordsLocked()
}

func (c *GrantCache) recordsLocked() []domain.GrantRecord {
	out := make([]domain.GrantRecord, 0, len(c.grants))
	for userID, grantedAt := range c.grants {
		out = append(out, domain.GrantRecord{UserID: userID, GrantedAt: grantedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// persist queues a rewrite of the store with the current record set.
// Queued writes coalesce; the writer always stores the latest state.
func (c *GrantCache) persist() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *GrantCache) writer() {
	defer close(c.stopped)
	for {
		select {
		case <-c.kick:
			c.write()
		case <-c.stop:
			c.write()
			return
		}
	}
}

// write stores the current record set if it changed since the last write.
// Failures are logged only.
func (c *GrantCache) write() {
	c.mu.Lock()
	gen := c.gen
	records := c.recordsLocked()
	c.mu.Unlock()

	c.wmu.Lock()
	done := gen <= c.written
	c.wmu.Unlock()
	if done {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.Save(ctx, records); err != nil {
		c.logger.Error("Failed to persist grants",
			"purpose", c.purpose,
			"count", len(records),
			"error", err)
	}

	c.wmu.Lock()
	c.written = gen
	c.wcond.Broadcast()
	c.wmu.Unlock()
}

// Flush blocks until every change made before the call has been written.
func (c *GrantCache) Flush() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	target := c.gen
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	for c.written < target && !c.closed {
		c.wcond.Wait()
	}
}

// Close writes any queued change and stops the writer.
func (c *GrantCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.stopped
		c.wmu.Lock()
		c.closed = true
		c.wcond.Broadcast()
		c.wmu.Unlock()
	})
}
