package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/store"
)

// slowStore holds every Save until release is closed.
type slowStore struct {
	*store.MemoryStore
	release chan struct{}

	mu    sync.Mutex
	saves int
}

func (s *slowStore) Save(ctx context.Context, records []domain.GrantRecord) error {
	<-s.release
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, records)
}

func TestGrantCacheDoesNotWaitOnStore(t *testing.T) {
	st := &slowStore{MemoryStore: store.NewMemory(), release: make(chan struct{})}
	c := NewGrantCache(domain.PurposeFirstContact, time.Hour, st, nil)
	defer c.Close()
	now := time.UnixMilli(1_700_000_000_000)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, user := range []string{"alice", "bob", "carol"} {
			c.Grant(user, now)
		}
		c.Clear("bob")
		c.IsTrusted("alice", now.Add(2*time.Hour))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("grant changes waited on the store")
	}
	require.False(t, c.IsTrusted("alice", now))
	require.True(t, c.IsTrusted("carol", now))

	close(st.release)
	c.Flush()

	records, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "carol", records[0].UserID)

	st.mu.Lock()
	saves := st.saves
	st.mu.Unlock()
	require.LessOrEqual(t, saves, 2, "queued writes coalesce")
}

func TestGrantCacheCloseWritesQueuedChanges(t *testing.T) {
	st := store.NewMemory()
	c := NewGrantCache(domain.PurposeFirstContact, time.Hour, st, nil)
	c.Grant("alice", time.UnixMilli(1_700_000_000_000))
	c.Close()
	c.Close()
	c.Flush()

	records, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestGrantCacheWithoutStore(t *testing.T) {
	c := NewGrantCache(domain.PurposeSensitiveOperation, time.Minute, nil, nil)
	now := time.UnixMilli(1_700_000_000_000)
	c.Grant("alice", now)
	c.Flush()
	c.Close()
	require.True(t, c.IsTrusted("alice", now.Add(time.Minute-time.Millisecond)))
	require.False(t, c.IsTrusted("alice", now.Add(time.Minute)))
}
