package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bot-execution-core/internal/botstate"
	"bot-execution-core/internal/broker"
	"bot-execution-core/internal/circuit"
	"bot-execution-core/internal/events"
	"bot-execution-core/internal/lock"
	"bot-execution-core/internal/metrics"
	"bot-execution-core/internal/risk"

	"github.com/rs/zerolog"
)

// Deps are the collaborators shared by every bot. Trades and Limits are
// optional.
type Deps struct {
	Locks     *lock.Manager
	UserLocks *lock.UserLock
	Broker    broker.Client
	Market    MarketChecker
	Risk      *risk.Manager
	Trades    TradeLogger
	Limits    TradeLimitChecker
	Bus       *events.EventBus
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// BotStatus is the externally visible state of one bot
type BotStatus struct {
	UserID         string            `json:"user_id"`
	BotID          string            `json:"bot_id"`
	Symbol         string            `json:"symbol"`
	State          botstate.Snapshot `json:"state"`
	Circuit        circuit.Stats     `json:"circuit"`
	Risk           risk.Metrics      `json:"risk"`
	TradesExecuted int64             `json:"trades_executed"`
	IsExecuting    bool              `json:"is_executing"`
	OpenContract   string            `json:"open_contract,omitempty"`
	LastOutcome    Outcome           `json:"last_outcome,omitempty"`
}

// Manager starts, stops and tracks bots. The per-bot state machine, breaker,
// risk record and runner are created and destroyed together.
type Manager struct {
	deps     Deps
	settings Settings
	logger   zerolog.Logger

	mu      sync.RWMutex
	runners map[BotKey]*BotRunner
	closed  bool
	wg      sync.WaitGroup
}

func NewManager(deps Deps, settings Settings) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		deps:     deps,
		settings: settings.withDefaults(),
		logger:   deps.Logger.With().Str("component", "engine").Logger(),
		runners:  make(map[BotKey]*BotRunner),
	}
}

// StartBot moves a bot to RUNNING and starts its cycle timer. Persisted risk
// counters for today are restored first.
func (m *Manager) StartBot(ctx context.Context, spec BotSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	key := spec.Key()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := m.runners[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBotAlreadyRunning, key)
	}
	r := newRunner(spec, &m.deps, m.settings, func(reason risk.Reason, message string) {
		if err := m.StopBot(context.Background(), spec.UserID, spec.BotID, reason, message); err != nil {
			m.logger.Debug().Err(err).Str("bot", key.String()).Msg("Auto stop skipped")
		}
	})
	m.runners[key] = r
	m.mu.Unlock()

	r.machine.Transition(botstate.StateStarting, "start requested")

	restored, err := m.deps.Risk.Restore(ctx, spec.BotID, spec.UserID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not restore risk metrics, starting fresh")
	}

	bctx, cancel := context.WithTimeout(ctx, m.settings.BrokerTimeout)
	balance, err := m.deps.Broker.GetBalance(bctx)
	cancel()
	if err != nil {
		r.halt("start failed")
		m.mu.Lock()
		delete(m.runners, key)
		m.mu.Unlock()
		m.deps.Risk.Evict(ctx, spec.BotID, spec.UserID)
		m.deps.Metrics.DeleteBreakerState(spec.UserID, spec.BotID)
		return fmt.Errorf("start bot %s: %w", key, err)
	}
	m.deps.Risk.Init(spec.BotID, spec.UserID, balance)

	if !r.machine.Transition(botstate.StateRunning, "started") {
		return fmt.Errorf("start bot %s: stopped during startup", key)
	}

	m.wg.Add(1)
	go r.run(&m.wg)

	m.deps.Metrics.SetRunningBots(m.count())
	m.deps.Bus.Publish(events.Event{
		Type:   events.EventBotStarted,
		UserID: spec.UserID,
		BotID:  spec.BotID,
		Data: map[string]interface{}{
			"symbol":           spec.Symbol,
			"stake":            spec.Stake,
			"direction":        spec.Direction,
			"balance":          balance,
			"restored_metrics": restored,
		},
	})
	r.logger.Info().Float64("balance", balance).Bool("restored_metrics", restored).Msg("Bot started")
	return nil
}

// StopBot halts a bot and publishes BOT_STOPPED with the final metrics. It
// does not wait for an in-flight cycle, which still releases its locks.
func (m *Manager) StopBot(ctx context.Context, userID, botID string, reason risk.Reason, message string) error {
	key := BotKey{UserID: userID, BotID: botID}

	m.mu.Lock()
	r, ok := m.runners[key]
	if ok {
		delete(m.runners, key)
	}
	remaining := len(m.runners)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, key)
	}

	r.halt(string(reason))

	snapshot, _ := m.deps.Risk.GetMetrics(botID, userID)
	m.deps.Risk.Evict(ctx, botID, userID)
	m.deps.Metrics.DeleteBreakerState(userID, botID)
	m.deps.Metrics.SetRunningBots(remaining)

	event := r.logger.Info()
	if reason != risk.ReasonManualStop {
		m.deps.Metrics.AutoStop(string(reason))
		event = r.logger.Warn()
	}
	event.Str("reason", string(reason)).
		Str("message", message).
		Int("trades_today", snapshot.TradeCountToday).
		Float64("profit_loss_today", snapshot.ProfitLossToday).
		Msg("Bot stopped")

	m.deps.Bus.PublishBotStopped(userID, botID, string(reason), message, snapshot)
	return nil
}

// DeleteBot stops the bot if it runs and forgets its persisted risk record
func (m *Manager) DeleteBot(ctx context.Context, userID, botID string) {
	_ = m.StopBot(ctx, userID, botID, risk.ReasonManualStop, "bot deleted")
	m.deps.Risk.Remove(ctx, botID, userID)
}

// EmergencyStop stops every bot of a user and drops the user's locks. Locks
// held by another instance cannot be removed and expire by TTL.
func (m *Manager) EmergencyStop(ctx context.Context, userID string) int {
	m.mu.RLock()
	var keys []BotKey
	for k := range m.runners {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	stopped := 0
	for _, k := range keys {
		if err := m.StopBot(ctx, k.UserID, k.BotID, risk.ReasonManualStop, "emergency stop"); err == nil {
			stopped++
		}
		m.deps.Locks.Release(ctx, lock.BotKey(k.UserID, k.BotID))
	}

	if !m.deps.UserLocks.ForceRelease(ctx, userID) {
		m.logger.Debug().Str("user_id", userID).Msg("User lock not held by this instance")
	}
	m.logger.Warn().Str("user_id", userID).Int("stopped", stopped).Msg("Emergency stop")
	return stopped
}

func (m *Manager) Status(userID, botID string) (BotStatus, bool) {
	r, ok := m.Runner(userID, botID)
	if !ok {
		return BotStatus{}, false
	}
	return r.status(), true
}

// List returns every running bot sorted by user then bot
func (m *Manager) List() []BotStatus {
	m.mu.RLock()
	runners := make([]*BotRunner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.RUnlock()

	out := make([]BotStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].BotID < out[j].BotID
	})
	return out
}

func (m *Manager) Runner(userID, botID string) (*BotRunner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[BotKey{UserID: userID, BotID: botID}]
	return r, ok
}

// Shutdown stops every bot and waits for their goroutines or ctx
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	keys := make([]BotKey, 0, len(m.runners))
	for k := range m.runners {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		_ = m.StopBot(ctx, k.UserID, k.BotID, risk.ReasonManualStop, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Int("stopped", len(keys)).Msg("Engine shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for cycles to finish: %w", ctx.Err())
	}
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runners)
}
