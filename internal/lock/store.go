// Package lock provides TTL-bounded mutual exclusion for trading cycles.
//
// Locks live in a shared store (Redis) so that several server instances can
// coordinate. When the store is unreachable the Manager degrades to an
// in-process table with the same TTL rules and reports ModeLocal.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned when no shared store is configured
var ErrStoreUnavailable = errors.New("lock store unavailable")

// Info describes a live lock
type Info struct {
	Key        string    `json:"key"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its expiry at now. A lock is
// still live at exactly ExpiresAt.
func (i Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Store is a key/value backend offering atomic set-if-absent with expiry.
// Implementations must treat expired entries as absent on every read.
type Store interface {
	// SetNX creates key for holderID if no live entry exists
	SetNX(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)

	// Get returns the live entry for key, or nil when absent
	Get(ctx context.Context, key string) (*Info, error)

	// Delete removes key only if it is held by holderID
	Delete(ctx context.Context, key, holderID string) (bool, error)

	Ping(ctx context.Context) error
}
