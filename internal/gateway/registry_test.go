package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/toolrelay/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry()
	const n = 64
	got := make([]*Session, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.GetOrCreate("s1")
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("missing")
	assert.False(t, ok)

	s := r.GetOrCreate("s1")
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	s := r.GetOrCreate("s1")

	assert.True(t, r.Remove("s1", ErrSessionClosed))
	assert.False(t, r.Remove("s1", ErrSessionClosed))
	assert.False(t, r.Remove("never", ErrSessionClosed))

	<-s.Done()
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)
}

func TestRegistryRecreatedSessionStartsEmpty(t *testing.T) {
	r := NewRegistry()
	old := r.GetOrCreate("s1")
	old.responses.Publish(json.RawMessage(`{"id":"stale"}`))
	old.markSpawned()

	r.Remove("s1", ErrSessionClosed)
	fresh := r.GetOrCreate("s1")

	assert.NotSame(t, old, fresh)
	assert.Equal(t, 0, fresh.responses.Len())
	assert.Equal(t, 0, fresh.toolResults.Len())
	assert.True(t, fresh.markSpawned(), "new generation has not spawned")
}

func TestRegistryRemoveSessionIgnoresNewerGeneration(t *testing.T) {
	r := NewRegistry()
	old := r.GetOrCreate("s1")
	r.Remove("s1", ErrSessionClosed)
	fresh := r.GetOrCreate("s1")

	assert.False(t, r.removeSession(old, ErrSessionClosed))
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.NoError(t, fresh.Err())
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry()
	old := r.GetOrCreate("s1")

	fresh := r.replace(old, ErrSessionClosed)
	assert.NotSame(t, old, fresh)
	assert.ErrorIs(t, old.Err(), ErrSessionClosed)

	// Replacing a generation that is no longer live returns the current one.
	again := r.replace(old, ErrSessionClosed)
	assert.Same(t, fresh, again)
	assert.NoError(t, fresh.Err())
}

func TestRegistryListActive(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))

	r.GetOrCreate("old")
	clock.Advance(2 * time.Minute)
	r.GetOrCreate("new")
	clock.Advance(time.Minute)

	list := r.ListActive()
	require.Len(t, list, 2)
	assert.Equal(t, types.SessionID("old"), list[0].ID)
	assert.Equal(t, 3*time.Minute, list[0].Age)
	assert.Equal(t, types.SessionID("new"), list[1].ID)
	assert.Equal(t, time.Minute, list[1].Age)
}

func TestRegistrySweep(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))
	s := r.GetOrCreate("s1")

	clock.Advance(59 * time.Minute)
	assert.Empty(t, r.Sweep(time.Hour))
	assert.Equal(t, 1, r.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []types.SessionID{"s1"}, r.Sweep(time.Hour))
	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, s.Err(), ErrSessionStale)
}

func TestSessionMarkPublished(t *testing.T) {
	s := newSession("s1", time.Now())
	assert.True(t, s.markPublished(DirectionToClient, "a"))
	assert.False(t, s.markPublished(DirectionToClient, "a"), "retry of the pending envelope")
	assert.True(t, s.markPublished(DirectionToClient, "b"))
	assert.True(t, s.markPublished(DirectionToClient, ""))
	assert.True(t, s.markPublished(DirectionToClient, ""))
}

func TestSessionMarkPublishedClearedByReply(t *testing.T) {
	s := newSession("s1", time.Now())
	assert.True(t, s.markPublished(DirectionToClient, "completion:c1"))
	assert.True(t, s.markPublished(DirectionToAgent, "tools:call_1"))
	assert.False(t, s.markPublished(DirectionToAgent, "tools:call_1"))

	// The next turn may reuse both keys.
	assert.True(t, s.markPublished(DirectionToClient, "completion:c1"))
	assert.True(t, s.markPublished(DirectionToAgent, "tools:call_1"))
}
