package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bot-execution-core/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
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

// failingStore fails every call until healthy is set
type failingStore struct {
	inner   *MemoryStore
	healthy atomic.Bool
}

var errStoreDown = errors.New("connection refused")

func (s *failingStore) SetNX(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	if !s.healthy.Load() {
		return false, errStoreDown
	}
	return s.inner.SetNX(ctx, key, holderID, ttl)
}

func (s *failingStore) Get(ctx context.Context, key string) (*Info, error) {
	if !s.healthy.Load() {
		return nil, errStoreDown
	}
	return s.inner.Get(ctx, key)
}

func (s *failingStore) Delete(ctx context.Context, key, holderID string) (bool, error) {
	if !s.healthy.Load() {
		return false, errStoreDown
	}
	return s.inner.Delete(ctx, key, holderID)
}

func (s *failingStore) Ping(context.Context) error {
	if !s.healthy.Load() {
		return errStoreDown
	}
	return nil
}

func newTestManager(store Store, clock *fakeClock, instance string) *Manager {
	return NewManager(store, ManagerOptions{
		InstanceID: instance,
		Logger:     zerolog.Nop(),
		Now:        clock.Now,
	})
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	clock := newFakeClock()
	shared := NewMemoryStore(clock.Now)
	managers := []*Manager{
		newTestManager(shared, clock, "a"),
		newTestManager(shared, clock, "b"),
	}

	const attempts = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			if m.Acquire(context.Background(), "bot-execution:u1:b1", 30*time.Second, 0, 0) {
				wins.Add(1)
			}
		}(managers[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseByNonHolder(t *testing.T) {
	clock := newFakeClock()
	shared := NewMemoryStore(clock.Now)
	holder := newTestManager(shared, clock, "a")
	other := newTestManager(shared, clock, "b")
	ctx := context.Background()

	require.True(t, holder.Acquire(ctx, "k", time.Minute, 0, 0))

	assert.False(t, other.Release(ctx, "k"))
	assert.True(t, holder.IsLocked(ctx, "k"))

	info, ok := other.GetLockInfo(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, holder.HolderID(), info.HolderID)

	assert.False(t, holder.Release(ctx, "absent"))
}

func TestLockExpiresWithoutRelease(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(NewMemoryStore(clock.Now), clock, "a")
	ctx := context.Background()

	require.True(t, m.Acquire(ctx, "k", 10*time.Second, 0, 0))
	clock.Advance(9 * time.Second)
	assert.True(t, m.IsLocked(ctx, "k"))

	clock.Advance(time.Second)
	assert.True(t, m.IsLocked(ctx, "k"), "live at exactly the expiry instant")

	clock.Advance(time.Millisecond)
	assert.False(t, m.IsLocked(ctx, "k"))
	assert.True(t, m.Acquire(ctx, "k", 10*time.Second, 0, 0))
}

func TestTwoInstancesBotLock(t *testing.T) {
	clock := newFakeClock()
	shared := NewMemoryStore(clock.Now)
	first := newTestManager(shared, clock, "server-1")
	second := newTestManager(shared, clock, "server-2")
	ctx := context.Background()
	key := BotKey("u1", "b1")

	a := first.Acquire(ctx, key, DefaultBotLockTTL, 0, 0)
	b := second.Acquire(ctx, key, DefaultBotLockTTL, 0, 0)
	require.True(t, a != b, "exactly one instance must win")

	winner, loser := first, second
	if b {
		winner, loser = second, first
	}

	assert.False(t, loser.Release(ctx, key))
	assert.True(t, winner.Release(ctx, key))
	assert.True(t, loser.Acquire(ctx, key, DefaultBotLockTTL, 0, 0))
}

func TestAcquireRetriesUntilReleased(t *testing.T) {
	shared := NewMemoryStore(nil)
	holder := NewManager(shared, ManagerOptions{InstanceID: "a", Logger: zerolog.Nop()})
	waiter := NewManager(shared, ManagerOptions{InstanceID: "b", Logger: zerolog.Nop()})
	ctx := context.Background()

	require.True(t, holder.Acquire(ctx, "k", time.Minute, 0, 0))

	go func() {
		time.Sleep(30 * time.Millisecond)
		holder.Release(ctx, "k")
	}()

	assert.True(t, waiter.Acquire(ctx, "k", time.Minute, 10*time.Millisecond, 50))
}

func TestAcquireRetryStopsOnContextCancel(t *testing.T) {
	shared := NewMemoryStore(nil)
	holder := NewManager(shared, ManagerOptions{InstanceID: "a", Logger: zerolog.Nop()})
	waiter := NewManager(shared, ManagerOptions{InstanceID: "b", Logger: zerolog.Nop()})

	require.True(t, holder.Acquire(context.Background(), "k", time.Minute, 0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.False(t, waiter.Acquire(ctx, "k", time.Minute, 10*time.Millisecond, 1000))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDegradesToLocalMode(t *testing.T) {
	clock := newFakeClock()
	store := &failingStore{inner: NewMemoryStore(clock.Now)}
	bus := events.NewEventBus()

	var modes []string
	bus.Subscribe(events.EventLockModeChanged, func(e events.Event) {
		modes = append(modes, e.Data["mode"].(string))
	})

	m := NewManager(store, ManagerOptions{
		InstanceID:       "a",
		MaxStoreFailures: 1,
		HealthInterval:   time.Hour,
		Logger:           zerolog.Nop(),
		Bus:              bus,
		Now:              clock.Now,
	})
	ctx := context.Background()
	require.Equal(t, ModeDistributed, m.Mode())

	// Store errors fall back to the local table with the same semantics
	assert.True(t, m.Acquire(ctx, "k", time.Minute, 0, 0))
	assert.Equal(t, ModeLocal, m.Mode())
	assert.False(t, m.Acquire(ctx, "k", time.Minute, 0, 0))
	assert.True(t, m.IsLocked(ctx, "k"))

	// Store comes back: the lock taken while degraded still excludes
	store.healthy.Store(true)
	require.NoError(t, m.CheckHealth(ctx))
	assert.Equal(t, ModeDistributed, m.Mode())
	assert.False(t, m.Acquire(ctx, "k", time.Minute, 0, 0))

	assert.True(t, m.Release(ctx, "k"))
	assert.True(t, m.Acquire(ctx, "k", time.Minute, 0, 0))

	assert.Equal(t, []string{"local", "distributed"}, modes)
}

func TestFirstFallbackWriteReportsLocalMode(t *testing.T) {
	clock := newFakeClock()
	store := &failingStore{inner: NewMemoryStore(clock.Now)}
	bus := events.NewEventBus()

	var modes []string
	bus.Subscribe(events.EventLockModeChanged, func(e events.Event) {
		modes = append(modes, e.Data["mode"].(string))
	})

	m := NewManager(store, ManagerOptions{
		InstanceID:       "a",
		MaxStoreFailures: 5,
		HealthInterval:   time.Hour,
		Logger:           zerolog.Nop(),
		Bus:              bus,
		Now:              clock.Now,
	})
	ctx := context.Background()

	// A failed read stays within the failure budget
	assert.False(t, m.IsLocked(ctx, "other"))
	assert.Equal(t, ModeDistributed, m.Mode())
	assert.Empty(t, modes)

	assert.True(t, m.Acquire(ctx, "k", time.Minute, 0, 0))
	assert.Equal(t, ModeLocal, m.Mode())
	assert.Equal(t, []string{"local"}, modes)
}

func TestNilStoreRunsLocal(t *testing.T) {
	m := NewManager(nil, ManagerOptions{Logger: zerolog.Nop()})
	ctx := context.Background()

	assert.Equal(t, ModeLocal, m.Mode())
	assert.True(t, m.Acquire(ctx, "k", time.Minute, 0, 0))
	assert.False(t, m.Acquire(ctx, "k", time.Minute, 0, 0))
	assert.True(t, m.Release(ctx, "k"))
	assert.ErrorIs(t, m.CheckHealth(ctx), ErrStoreUnavailable)
}
