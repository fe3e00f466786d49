package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLazyExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "h1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	info, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "h1", info.HolderID)
	assert.Equal(t, clock.Now().Add(5*time.Second), info.ExpiresAt)

	// Still live at exactly the expiry instant
	clock.Advance(5 * time.Second)
	info, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, info)
	ok, _ = s.SetNX(ctx, "k", "h2", 5*time.Second)
	assert.False(t, ok)

	clock.Advance(time.Millisecond)
	info, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, info)

	ok, _ = s.SetNX(ctx, "k", "h2", 5*time.Second)
	assert.True(t, ok)
}

func TestMemoryStoreDeleteChecksHolder(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	_, _ = s.SetNX(ctx, "k", "h1", time.Minute)

	ok, _ := s.Delete(ctx, "k", "h2")
	assert.False(t, ok)
	ok, _ = s.Delete(ctx, "k", "h1")
	assert.True(t, ok)
	ok, _ = s.Delete(ctx, "k", "h1")
	assert.False(t, ok)
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	_, _ = s.SetNX(ctx, "short", "h", time.Second)
	_, _ = s.SetNX(ctx, "long", "h", time.Hour)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}
