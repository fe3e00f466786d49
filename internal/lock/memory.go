package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process lock table. It is the fallback when the
// shared store is down and doubles as a shared store in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Info
	now     func() time.Time
}

// NewMemoryStore creates an empty table. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]Info),
		now:     now,
	}
}

func (s *MemoryStore) SetNX(_ context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.entries[key]; ok && !existing.Expired(now) {
		return false, nil
	}

	s.entries[key] = Info{
		Key:        key,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.liveLocked(key), nil
}

func (s *MemoryStore) Delete(_ context.Context, key, holderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.liveLocked(key)
	if info == nil || info.HolderID != holderID {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Sweep drops expired entries and returns how many were removed. Reads
// already ignore expired entries, so this only reclaims memory.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, info := range s.entries {
		if info.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// caller must hold s.mu
func (s *MemoryStore) liveLocked(key string) *Info {
	info, ok := s.entries[key]
	if !ok {
		return nil
	}
	if info.Expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return &info
}
