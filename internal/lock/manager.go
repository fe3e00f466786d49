package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bot-execution-core/config"
	"bot-execution-core/internal/events"
	"bot-execution-core/internal/logging"
	"bot-execution-core/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode tells whether cross-instance exclusion is in effect
type Mode string

const (
	ModeDistributed Mode = "distributed"
	ModeLocal       Mode = "local"
)

// ManagerOptions configures a Manager. Zero values fall back to defaults.
type ManagerOptions struct {
	InstanceID       string
	StoreTimeout     time.Duration
	MaxStoreFailures int
	HealthInterval   time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Bus     *events.EventBus
	Now     func() time.Time
}

// OptionsFromConfig maps the lock section of the service config
func OptionsFromConfig(instanceID string, cfg config.LockConfig) ManagerOptions {
	return ManagerOptions{
		InstanceID:       instanceID,
		StoreTimeout:     cfg.StoreTimeout,
		MaxStoreFailures: cfg.MaxStoreFailures,
		HealthInterval:   cfg.HealthInterval,
	}
}

// Manager hands out TTL locks. The shared store is authoritative while it is
// healthy; the local table always takes part so that locks taken while
// degraded keep excluding this process after the store comes back.
type Manager struct {
	store    Store
	local    *MemoryStore
	holderID string
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	bus      *events.EventBus
	now      func() time.Time

	storeTimeout  time.Duration
	maxFailures   int
	checkInterval time.Duration

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time
	rechecking   bool
}

// NewManager creates a manager over store. A nil store runs purely local.
func NewManager(store Store, opts ManagerOptions) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "instance"
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.MaxStoreFailures <= 0 {
		opts.MaxStoreFailures = 3
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}

	m := &Manager{
		store:         store,
		local:         NewMemoryStore(opts.Now),
		holderID:      fmt.Sprintf("%s:%s", opts.InstanceID, uuid.NewString()),
		logger:        logging.WithComponent(opts.Logger, "lock"),
		metrics:       opts.Metrics,
		bus:           opts.Bus,
		now:           opts.Now,
		storeTimeout:  opts.StoreTimeout,
		maxFailures:   opts.MaxStoreFailures,
		checkInterval: opts.HealthInterval,
		healthy:       store != nil,
		lastCheck:     opts.Now(),
	}
	m.metrics.SetLockDistributed(m.healthy)
	return m
}

// HolderID is the identity written into every lock this manager takes
func (m *Manager) HolderID() string {
	return m.holderID
}

// Mode reports whether locks currently exclude other instances
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store != nil && m.healthy {
		return ModeDistributed
	}
	return ModeLocal
}

// Acquire takes key for ttl. It makes maxRetries+1 attempts in total,
// sleeping retryInterval between them, and gives up early if ctx ends.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, retryInterval time.Duration, maxRetries int) bool {
	for attempt := 0; ; attempt++ {
		if m.tryAcquire(ctx, key, ttl) {
			return true
		}
		if attempt >= maxRetries {
			return false
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (m *Manager) tryAcquire(ctx context.Context, key string, ttl time.Duration) bool {
	if info, _ := m.local.Get(ctx, key); info != nil {
		return false
	}

	if m.storeAvailable() {
		sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		ok, err := m.store.SetNX(sctx, key, m.holderID, ttl)
		cancel()
		if err == nil {
			m.recordSuccess()
			return ok
		}
		// A lock written to the local table no longer excludes other
		// instances, so the mode flips on the first fallback write.
		l := logging.LockContext(m.logger, key)
		l.Warn().Err(err).Msg("Lock store acquire failed, using local table")
		m.markDegraded(err)
	}

	ok, _ := m.local.SetNX(ctx, key, m.holderID, ttl)
	return ok
}

// Release removes key if this manager holds it. Absent keys and keys held by
// someone else return false.
func (m *Manager) Release(ctx context.Context, key string) bool {
	if info, _ := m.local.Get(ctx, key); info != nil {
		ok, _ := m.local.Delete(ctx, key, m.holderID)
		return ok
	}

	if !m.storeAvailable() {
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	ok, err := m.store.Delete(sctx, key, m.holderID)
	if err != nil {
		m.recordFailure(err)
		l := logging.LockContext(m.logger, key)
		l.Warn().Err(err).Msg("Lock store release failed")
		return false
	}
	m.recordSuccess()
	return ok
}

// IsLocked reports whether a live lock exists for key
func (m *Manager) IsLocked(ctx context.Context, key string) bool {
	_, ok := m.GetLockInfo(ctx, key)
	return ok
}

// GetLockInfo returns the live lock for key, if any
func (m *Manager) GetLockInfo(ctx context.Context, key string) (*Info, bool) {
	if info, _ := m.local.Get(ctx, key); info != nil {
		return info, true
	}

	if !m.storeAvailable() {
		return nil, false
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	info, err := m.store.Get(sctx, key)
	if err != nil {
		m.recordFailure(err)
		l := logging.LockContext(m.logger, key)
		l.Warn().Err(err).Msg("Lock store read failed")
		return nil, false
	}
	m.recordSuccess()
	if info == nil || info.Expired(m.now()) {
		return nil, false
	}
	return info, true
}

// StartSweeper periodically drops expired local entries until ctx ends
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.local.Sweep(); n > 0 {
					m.logger.Debug().Int("removed", n).Msg("Swept expired local locks")
				}
			}
		}
	}()
}

// storeAvailable reports store health and, while degraded, schedules a
// background ping once checkInterval has passed.
func (m *Manager) storeAvailable() bool {
	if m.store == nil {
		return false
	}

	m.mu.Lock()
	healthy := m.healthy
	shouldRecheck := !healthy && !m.rechecking && m.now().Sub(m.lastCheck) >= m.checkInterval
	if shouldRecheck {
		m.rechecking = true
		m.lastCheck = m.now()
	}
	m.mu.Unlock()

	if shouldRecheck {
		go m.recheckStore()
	}
	return healthy
}

func (m *Manager) recheckStore() {
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()

	err := m.store.Ping(ctx)

	m.mu.Lock()
	m.rechecking = false
	m.mu.Unlock()

	if err == nil {
		m.recordSuccess()
	}
}

// CheckHealth pings the store synchronously and updates the mode
func (m *Manager) CheckHealth(ctx context.Context) error {
	if m.store == nil {
		return ErrStoreUnavailable
	}
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.store.Ping(sctx); err != nil {
		m.recordFailure(err)
		return err
	}
	m.recordSuccess()
	return nil
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.failureCount++
	flipped := m.healthy && m.failureCount >= m.maxFailures
	if flipped {
		m.healthy = false
		m.lastCheck = m.now()
	}
	failures := m.failureCount
	m.mu.Unlock()

	if flipped {
		m.logger.Error().Err(err).Int("failures", failures).
			Msg("Lock store marked unhealthy, cross-instance exclusion lost")
		m.modeChanged(ModeLocal)
	}
}

// markDegraded switches to local mode regardless of the failure budget
func (m *Manager) markDegraded(err error) {
	m.mu.Lock()
	m.failureCount++
	flipped := m.healthy
	if flipped {
		m.healthy = false
		m.lastCheck = m.now()
	}
	m.mu.Unlock()

	if flipped {
		m.logger.Error().Err(err).Msg("Lock written to local table, cross-instance exclusion lost")
		m.modeChanged(ModeLocal)
	}
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	flipped := !m.healthy
	m.healthy = true
	m.failureCount = 0
	m.lastCheck = m.now()
	m.mu.Unlock()

	if flipped {
		m.logger.Info().Msg("Lock store recovered, distributed locking restored")
		m.modeChanged(ModeDistributed)
	}
}

func (m *Manager) modeChanged(mode Mode) {
	m.metrics.SetLockDistributed(mode == ModeDistributed)
	m.bus.Publish(events.Event{
		Type: events.EventLockModeChanged,
		Data: map[string]interface{}{
			"mode":      string(mode),
			"holder_id": m.holderID,
		},
	})
}
