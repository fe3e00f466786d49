package lock

import (
	"context"
	"sync"
	"time"

	"bot-execution-core/internal/metrics"
)

const (
	DefaultUserLockTTL = 60 * time.Second
	DefaultBotLockTTL  = 30 * time.Second
)

// UserKey is the lock serialising all bots of one user
func UserKey(userID string) string {
	return "user-execution:" + userID
}

// BotKey is the lock serialising one bot across instances
func BotKey(userID, botID string) string {
	return "bot-execution:" + userID + ":" + botID
}

// UserLockRecord is the local view of which bot holds a user's lock
type UserLockRecord struct {
	UserID   string    `json:"user_id"`
	BotID    string    `json:"bot_id"`
	LockedAt time.Time `json:"locked_at"`
}

type LockStatus struct {
	IsLocked bool      `json:"is_locked"`
	LockedBy string    `json:"locked_by,omitempty"`
	LockedAt time.Time `json:"locked_at,omitempty"`
}

// UserLock ensures at most one bot per user runs a cycle at a time. The
// local cache is advisory; the Manager is the authority.
type UserLock struct {
	manager *Manager
	ttl     time.Duration
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache map[string]UserLockRecord
}

func NewUserLock(manager *Manager, ttl time.Duration, m *metrics.Metrics) *UserLock {
	if ttl <= 0 {
		ttl = DefaultUserLockTTL
	}
	return &UserLock{
		manager: manager,
		ttl:     ttl,
		metrics: m,
		cache:   make(map[string]UserLockRecord),
	}
}

// AcquireLock takes the user's lock for botID without retrying
func (u *UserLock) AcquireLock(ctx context.Context, userID, botID string) bool {
	if rec, ok := u.cached(userID); ok && rec.BotID != botID {
		u.metrics.LockAcquire("user", false)
		return false
	}

	ok := u.manager.Acquire(ctx, UserKey(userID), u.ttl, 0, 0)
	u.metrics.LockAcquire("user", ok)
	if !ok {
		return false
	}

	u.mu.Lock()
	u.cache[userID] = UserLockRecord{
		UserID:   userID,
		BotID:    botID,
		LockedAt: u.manager.now(),
	}
	u.mu.Unlock()
	return true
}

// ReleaseLock releases the user's lock on behalf of botID. It refuses when
// the cache shows a different bot as holder.
func (u *UserLock) ReleaseLock(ctx context.Context, userID, botID string) bool {
	if rec, ok := u.cached(userID); ok && rec.BotID != botID {
		return false
	}

	released := u.manager.Release(ctx, UserKey(userID))
	if !released {
		u.metrics.LockReleaseFailed("user")
	}

	u.mu.Lock()
	delete(u.cache, userID)
	u.mu.Unlock()
	return released
}

// ForceRelease drops the user's lock for emergency stops. Only a lock held by
// this process can be removed; the cache is cleared either way.
func (u *UserLock) ForceRelease(ctx context.Context, userID string) bool {
	released := u.manager.Release(ctx, UserKey(userID))

	u.mu.Lock()
	delete(u.cache, userID)
	u.mu.Unlock()
	return released
}

func (u *UserLock) GetLockStatus(ctx context.Context, userID string) LockStatus {
	info, ok := u.manager.GetLockInfo(ctx, UserKey(userID))
	if !ok {
		return LockStatus{}
	}

	status := LockStatus{
		IsLocked: true,
		LockedBy: info.HolderID,
		LockedAt: info.AcquiredAt,
	}
	if rec, ok := u.cached(userID); ok && info.HolderID == u.manager.HolderID() {
		status.LockedBy = rec.BotID
		status.LockedAt = rec.LockedAt
	}
	return status
}

// cached returns the cache entry for userID, dropping it once older than the
// lock TTL since the lock itself is gone by then.
func (u *UserLock) cached(userID string) (UserLockRecord, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.cache[userID]
	if !ok {
		return UserLockRecord{}, false
	}
	if u.manager.now().Sub(rec.LockedAt) >= u.ttl {
		delete(u.cache, userID)
		return UserLockRecord{}, false
	}
	return rec, true
}
