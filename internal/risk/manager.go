package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bot-execution-core/config"

	"github.com/rs/zerolog"
)

// Reason is the stop reason taxonomy shared by the risk engine and the
// orchestrator
type Reason string

const (
	ReasonStopLossHit          Reason = "STOP_LOSS_HIT"
	ReasonTakeProfitHit        Reason = "TAKE_PROFIT_HIT"
	ReasonMaxTradesReached     Reason = "MAX_TRADES_REACHED"
	ReasonDailyLossLimit       Reason = "DAILY_LOSS_LIMIT"
	ReasonMaxDrawdown          Reason = "MAX_DRAWDOWN"
	ReasonMaxConsecutiveLosses Reason = "MAX_CONSECUTIVE_LOSSES"
	ReasonMarketClosed         Reason = "MARKET_CLOSED"
	ReasonMarketSuspended      Reason = "MARKET_SUSPENDED"
	ReasonAPIError             Reason = "API_ERROR"
	ReasonConnectionLost       Reason = "CONNECTION_LOST"
	ReasonInsufficientBalance  Reason = "INSUFFICIENT_BALANCE"
	ReasonManualStop           Reason = "MANUAL_STOP"
)

// ErrorKind classifies errors passed to HandleError
type ErrorKind string

const (
	ErrorKindAPI            ErrorKind = "API_ERROR"
	ErrorKindConnectionLost ErrorKind = "CONNECTION_LOST"
)

// Limits holds per-bot risk limits. A zero value disables that limit.
type Limits struct {
	MaxTradesPerDay      int
	MaxDailyLoss         float64 // Absolute currency
	MaxDailyLossPercent  float64 // % of start balance
	MaxDrawdownPercent   float64
	MaxConsecutiveLosses int
	MinBalance           float64
	StopLossAmount       float64
	StopLossPercent      float64 // % of stake
	TakeProfitAmount     float64
	TakeProfitPercent    float64 // % of stake
	MaxAPIErrors         int     // Consecutive API errors before stopping
}

// LimitsFromConfig maps the risk section of the service config
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		MaxTradesPerDay:      cfg.MaxTradesPerDay,
		MaxDailyLoss:         cfg.MaxDailyLoss,
		MaxDailyLossPercent:  cfg.MaxDailyLossPercent,
		MaxDrawdownPercent:   cfg.MaxDrawdownPercent,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		MinBalance:           cfg.MinBalance,
		StopLossAmount:       cfg.StopLossAmount,
		StopLossPercent:      cfg.StopLossPercent,
		TakeProfitAmount:     cfg.TakeProfitAmount,
		TakeProfitPercent:    cfg.TakeProfitPercent,
		MaxAPIErrors:         cfg.MaxAPIErrors,
	}
}

// Metrics is the per-bot daily risk record
type Metrics struct {
	Day               string    `json:"day"` // UTC date the counters belong to
	TradeCountToday   int       `json:"trade_count_today"`
	ProfitLossToday   float64   `json:"profit_loss_today"`
	StartBalance      float64   `json:"start_balance"`
	CurrentBalance    float64   `json:"current_balance"`
	PeakBalance       float64   `json:"peak_balance"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	APIErrorCount     int       `json:"api_error_count"`
	LastTradeAt       time.Time `json:"last_trade_at,omitempty"`
}

// DrawdownPercent is the loss from the day's start balance, never negative
func (m Metrics) DrawdownPercent(currentBalance float64) float64 {
	if m.StartBalance <= 0 {
		return 0
	}
	dd := (m.StartBalance - currentBalance) / m.StartBalance * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// CheckResult is the verdict of a risk evaluation
type CheckResult struct {
	Allowed    bool    `json:"allowed"`
	ShouldStop bool    `json:"should_stop"`
	Reason     Reason  `json:"reason,omitempty"`
	Message    string  `json:"message,omitempty"`
	Metrics    Metrics `json:"metrics"`
}

// MetricsStore persists metrics so that a restart keeps today's counters
type MetricsStore interface {
	Save(ctx context.Context, userID, botID string, m Metrics) error
	Load(ctx context.Context, userID, botID string) (*Metrics, error)
	Delete(ctx context.Context, userID, botID string) error
}

// Manager evaluates risk limits for every running bot
type Manager struct {
	limits Limits
	logger zerolog.Logger
	now    func() time.Time
	store  MetricsStore

	mu      sync.Mutex
	metrics map[string]*Metrics
}

// NewManager creates a new risk manager
func NewManager(limits Limits, logger zerolog.Logger) *Manager {
	return NewManagerWithClock(limits, logger, time.Now)
}

func NewManagerWithClock(limits Limits, logger zerolog.Logger, now func() time.Time) *Manager {
	return &Manager{
		limits:  limits,
		logger:  logger.With().Str("component", "risk").Logger(),
		now:     now,
		metrics: make(map[string]*Metrics),
	}
}

// SetStore enables persistence of metrics after every recorded trade
func (rm *Manager) SetStore(store MetricsStore) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.store = store
}

func (rm *Manager) Limits() Limits {
	return rm.limits
}

func key(userID, botID string) string {
	return userID + ":" + botID
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Init seeds the start balance for a bot that has no record yet
func (rm *Manager) Init(botID, userID string, balance float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	m := rm.getLocked(botID, userID)
	if m.StartBalance == 0 {
		m.StartBalance = balance
		m.CurrentBalance = balance
		m.PeakBalance = balance
	}
}

// CheckRisk evaluates the pre-trade limits in order and stops at the first
// violation
func (rm *Manager) CheckRisk(botID, userID string, currentBalance float64, symbol string) CheckResult {
	rm.mu.Lock()
	m := rm.getLocked(botID, userID)
	rm.rollLocked(m)
	if m.StartBalance == 0 {
		m.StartBalance = currentBalance
		m.PeakBalance = currentBalance
	}
	snap := *m
	rm.mu.Unlock()

	l := rm.limits
	deny := func(reason Reason, format string, args ...interface{}) CheckResult {
		msg := fmt.Sprintf(format, args...)
		rm.logger.Warn().
			Str("user_id", userID).
			Str("bot_id", botID).
			Str("symbol", symbol).
			Str("reason", string(reason)).
			Msg(msg)
		return CheckResult{Allowed: false, ShouldStop: true, Reason: reason, Message: msg, Metrics: snap}
	}

	if l.MaxTradesPerDay > 0 && snap.TradeCountToday >= l.MaxTradesPerDay {
		return deny(ReasonMaxTradesReached, "max trades per day reached (%d/%d)",
			snap.TradeCountToday, l.MaxTradesPerDay)
	}

	if snap.ProfitLossToday < 0 {
		loss := -snap.ProfitLossToday
		if l.MaxDailyLoss > 0 && loss >= l.MaxDailyLoss {
			return deny(ReasonDailyLossLimit, "daily loss limit reached: %.2f >= %.2f", loss, l.MaxDailyLoss)
		}
		if l.MaxDailyLossPercent > 0 && snap.StartBalance > 0 {
			pct := loss / snap.StartBalance * 100
			if pct >= l.MaxDailyLossPercent {
				return deny(ReasonDailyLossLimit, "daily loss limit reached: %.2f%% >= %.2f%%", pct, l.MaxDailyLossPercent)
			}
		}
	}

	if l.MaxDrawdownPercent > 0 {
		if dd := snap.DrawdownPercent(currentBalance); dd >= l.MaxDrawdownPercent {
			return deny(ReasonMaxDrawdown, "max drawdown reached: %.2f%% >= %.2f%%", dd, l.MaxDrawdownPercent)
		}
	}

	if l.MaxConsecutiveLosses > 0 && snap.ConsecutiveLosses >= l.MaxConsecutiveLosses {
		return deny(ReasonMaxConsecutiveLosses, "max consecutive losses reached: %d", snap.ConsecutiveLosses)
	}

	if l.MinBalance > 0 && currentBalance < l.MinBalance {
		return deny(ReasonInsufficientBalance, "balance %.2f below minimum %.2f", currentBalance, l.MinBalance)
	}

	return CheckResult{Allowed: true, Metrics: snap}
}

// CheckTradeResult checks a settled trade against stop-loss and take-profit
// thresholds. Take-profit is informational and never stops the bot.
func (rm *Manager) CheckTradeResult(botID, userID string, profitLoss, stake float64) CheckResult {
	snap, _ := rm.GetMetrics(botID, userID)
	l := rm.limits

	if profitLoss < 0 {
		loss := -profitLoss
		if l.StopLossAmount > 0 && loss >= l.StopLossAmount {
			return CheckResult{
				ShouldStop: true,
				Reason:     ReasonStopLossHit,
				Message:    fmt.Sprintf("stop loss hit: lost %.2f >= %.2f", loss, l.StopLossAmount),
				Metrics:    snap,
			}
		}
		if l.StopLossPercent > 0 && stake > 0 {
			if pct := loss / stake * 100; pct >= l.StopLossPercent {
				return CheckResult{
					ShouldStop: true,
					Reason:     ReasonStopLossHit,
					Message:    fmt.Sprintf("stop loss hit: lost %.2f%% of stake >= %.2f%%", pct, l.StopLossPercent),
					Metrics:    snap,
				}
			}
		}
	}

	if profitLoss > 0 {
		hit := l.TakeProfitAmount > 0 && profitLoss >= l.TakeProfitAmount
		if !hit && l.TakeProfitPercent > 0 && stake > 0 {
			hit = profitLoss/stake*100 >= l.TakeProfitPercent
		}
		if hit {
			return CheckResult{
				Allowed: true,
				Reason:  ReasonTakeProfitHit,
				Message: fmt.Sprintf("take profit hit: +%.2f", profitLoss),
				Metrics: snap,
			}
		}
	}

	return CheckResult{Allowed: true, Metrics: snap}
}

// RecordPlacement counts a placed trade against today's limit. The count
// is taken at placement so a bot stopped before settlement still spends it.
func (rm *Manager) RecordPlacement(botID, userID string) Metrics {
	rm.mu.Lock()
	m := rm.getLocked(botID, userID)
	rm.rollLocked(m)
	m.TradeCountToday++
	m.LastTradeAt = rm.now()
	snap := *m
	store := rm.store
	rm.mu.Unlock()

	rm.persist(store, userID, botID, snap)
	return snap
}

// RecordTradeResult accumulates P/L, the loss streak and balances of a
// settled trade. The trade itself was counted by RecordPlacement.
func (rm *Manager) RecordTradeResult(botID, userID string, profitLoss, balanceAfter float64) Metrics {
	rm.mu.Lock()
	m := rm.getLocked(botID, userID)
	rm.rollLocked(m)

	m.ProfitLossToday += profitLoss
	if profitLoss < 0 {
		m.ConsecutiveLosses++
	} else {
		m.ConsecutiveLosses = 0
	}
	m.CurrentBalance = balanceAfter
	if balanceAfter > m.PeakBalance {
		m.PeakBalance = balanceAfter
	}
	m.LastTradeAt = rm.now()
	snap := *m
	store := rm.store
	rm.mu.Unlock()

	rm.logger.Info().
		Str("user_id", userID).
		Str("bot_id", botID).
		Float64("profit_loss", profitLoss).
		Float64("balance", balanceAfter).
		Int("trades_today", snap.TradeCountToday).
		Int("consecutive_losses", snap.ConsecutiveLosses).
		Msg("Trade result recorded")

	rm.persist(store, userID, botID, snap)
	return snap
}

func (rm *Manager) persist(store MetricsStore, userID, botID string, snap Metrics) {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Save(ctx, userID, botID, snap); err != nil {
		rm.logger.Warn().Err(err).Str("user_id", userID).Str("bot_id", botID).Msg("Failed to persist risk metrics")
	}
}

// HandleError decides whether an error should stop the bot. Connection loss
// stops immediately; API errors stop after MaxAPIErrors in a row.
func (rm *Manager) HandleError(botID, userID string, kind ErrorKind) CheckResult {
	rm.mu.Lock()
	m := rm.getLocked(botID, userID)
	if kind == ErrorKindAPI {
		m.APIErrorCount++
	}
	snap := *m
	rm.mu.Unlock()

	switch kind {
	case ErrorKindConnectionLost:
		return CheckResult{
			ShouldStop: true,
			Reason:     ReasonConnectionLost,
			Message:    "connection to broker lost",
			Metrics:    snap,
		}
	case ErrorKindAPI:
		if rm.limits.MaxAPIErrors > 0 && snap.APIErrorCount >= rm.limits.MaxAPIErrors {
			return CheckResult{
				ShouldStop: true,
				Reason:     ReasonAPIError,
				Message:    fmt.Sprintf("too many consecutive API errors (%d)", snap.APIErrorCount),
				Metrics:    snap,
			}
		}
	}
	return CheckResult{Allowed: true, Metrics: snap}
}

// RecordAPISuccess clears the consecutive API error count
func (rm *Manager) RecordAPISuccess(botID, userID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if m, ok := rm.metrics[key(userID, botID)]; ok {
		m.APIErrorCount = 0
	}
}

// RollDay resets daily counters if the UTC day has changed. It reports
// whether a reset happened.
func (rm *Manager) RollDay(botID, userID string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.rollLocked(rm.getLocked(botID, userID))
}

// GetMetrics returns a copy of the bot's metrics
func (rm *Manager) GetMetrics(botID, userID string) (Metrics, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.metrics[key(userID, botID)]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

// Remove forgets a bot, including its persisted record
func (rm *Manager) Remove(ctx context.Context, botID, userID string) {
	rm.mu.Lock()
	delete(rm.metrics, key(userID, botID))
	store := rm.store
	rm.mu.Unlock()

	if store != nil {
		if err := store.Delete(ctx, userID, botID); err != nil {
			rm.logger.Warn().Err(err).Str("user_id", userID).Str("bot_id", botID).Msg("Failed to delete risk metrics")
		}
	}
}

// Evict drops the in-memory record after persisting it, so a restarted bot
// picks up today's counters through Restore
func (rm *Manager) Evict(ctx context.Context, botID, userID string) {
	if err := rm.Snapshot(ctx, botID, userID); err != nil {
		rm.logger.Warn().Err(err).Str("user_id", userID).Str("bot_id", botID).Msg("Failed to persist risk metrics on evict")
	}
	rm.mu.Lock()
	delete(rm.metrics, key(userID, botID))
	rm.mu.Unlock()
}

// Snapshot persists the bot's current metrics
func (rm *Manager) Snapshot(ctx context.Context, botID, userID string) error {
	rm.mu.Lock()
	m, ok := rm.metrics[key(userID, botID)]
	var snap Metrics
	if ok {
		snap = *m
	}
	store := rm.store
	rm.mu.Unlock()

	if !ok || store == nil {
		return nil
	}
	return store.Save(ctx, userID, botID, snap)
}

// Restore loads persisted metrics for a bot. Records from an earlier UTC
// day are rolled on load.
func (rm *Manager) Restore(ctx context.Context, botID, userID string) (bool, error) {
	rm.mu.Lock()
	store := rm.store
	rm.mu.Unlock()
	if store == nil {
		return false, nil
	}

	loaded, err := store.Load(ctx, userID, botID)
	if err != nil {
		return false, fmt.Errorf("load risk metrics for %s/%s: %w", userID, botID, err)
	}
	if loaded == nil {
		return false, nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	m := *loaded
	rm.metrics[key(userID, botID)] = &m
	rm.rollLocked(&m)
	return true, nil
}

// caller must hold rm.mu
func (rm *Manager) getLocked(botID, userID string) *Metrics {
	k := key(userID, botID)
	m, ok := rm.metrics[k]
	if !ok {
		m = &Metrics{Day: utcDay(rm.now())}
		rm.metrics[k] = m
	}
	return m
}

// caller must hold rm.mu
func (rm *Manager) rollLocked(m *Metrics) bool {
	today := utcDay(rm.now())
	if m.Day == today {
		return false
	}

	// The new day starts from the last known balance
	start := m.CurrentBalance
	if start == 0 {
		start = m.StartBalance
	}
	*m = Metrics{
		Day:            today,
		StartBalance:   start,
		CurrentBalance: start,
		PeakBalance:    start,
		LastTradeAt:    m.LastTradeAt,
	}
	return true
}
