// Package engine runs the per-bot trading cycle and owns the lifecycle of
// every running bot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bot-execution-core/config"
	"bot-execution-core/internal/broker"
	"bot-execution-core/internal/circuit"
	"bot-execution-core/internal/market"
)

var (
	ErrBotAlreadyRunning = errors.New("bot already running")
	ErrBotNotFound       = errors.New("bot not found")
	ErrInvalidBot        = errors.New("invalid bot configuration")
	ErrShuttingDown      = errors.New("engine shutting down")
)

// Outcome is how a single cycle ended
type Outcome string

const (
	OutcomeExecuted            Outcome = "executed"
	OutcomeSkippedBusy         Outcome = "skipped_busy"
	OutcomeSkippedState        Outcome = "skipped_state"
	OutcomeSkippedInTrade      Outcome = "skipped_in_trade"
	OutcomeSkippedCircuitOpen  Outcome = "skipped_circuit_open"
	OutcomeSkippedUserLocked   Outcome = "skipped_user_locked"
	OutcomeSkippedBotLocked    Outcome = "skipped_bot_locked"
	OutcomeSkippedMarketClosed Outcome = "skipped_market_closed"
	OutcomeSkippedNoBalance    Outcome = "skipped_insufficient_balance"
	OutcomeSkippedRisk         Outcome = "skipped_risk"
	OutcomeSkippedTradeLimit   Outcome = "skipped_trade_limit"
	OutcomeSettlementExpired   Outcome = "settlement_expired"
	OutcomeFailed              Outcome = "failed"
	OutcomeStopped             Outcome = "stopped"
)

// BotKey identifies a bot across every per-bot record
type BotKey struct {
	UserID string
	BotID  string
}

func (k BotKey) String() string {
	return k.UserID + ":" + k.BotID
}

// BotSpec is what a bot trades
type BotSpec struct {
	UserID    string
	BotID     string
	Symbol    string
	Stake     float64
	Direction string
	Duration  time.Duration
}

func (s BotSpec) Key() BotKey {
	return BotKey{UserID: s.UserID, BotID: s.BotID}
}

func (s BotSpec) Validate() error {
	if s.UserID == "" || s.BotID == "" {
		return fmt.Errorf("%w: user and bot id are required", ErrInvalidBot)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidBot)
	}
	if s.Stake <= 0 {
		return fmt.Errorf("%w: stake must be positive", ErrInvalidBot)
	}
	if s.Direction != broker.DirectionBuy && s.Direction != broker.DirectionSell {
		return fmt.Errorf("%w: direction must be BUY or SELL", ErrInvalidBot)
	}
	return nil
}

// SpecFromConfig maps a boot-time bot entry
func SpecFromConfig(b config.BotConfig) BotSpec {
	return BotSpec{
		UserID:    b.UserID,
		BotID:     b.BotID,
		Symbol:    b.Symbol,
		Stake:     b.Stake,
		Direction: b.Direction,
		Duration:  time.Duration(b.Duration) * time.Second,
	}
}

// MarketChecker answers tradability and never errors; market.Guard is the
// fail-closed implementation
type MarketChecker interface {
	Check(ctx context.Context, symbol string) market.Status
}

// TradeLogger persists opened and settled trades
type TradeLogger interface {
	LogOpen(ctx context.Context, userID, botID string, p *broker.Proposal, placement *broker.Placement) error
	UpdateOnSettlement(ctx context.Context, userID, botID string, s broker.Settlement) error
}

// TradeLimitChecker enforces user level trade ceilings
type TradeLimitChecker interface {
	CanExecuteTrade(ctx context.Context, userID string, stake float64) (bool, string, error)
}

// Settings are the timing knobs shared by every runner. A contract with no
// settlement by Duration+SettlementGrace is abandoned.
type Settings struct {
	Interval        time.Duration
	BrokerTimeout   time.Duration
	BotLockTTL      time.Duration
	StoreTimeout    time.Duration
	SettlementGrace time.Duration
	Circuit         circuit.Config
}

// SettingsFromConfig collects the cycle, lock and breaker sections
func SettingsFromConfig(cfg *config.Config) Settings {
	cb := cfg.CircuitBreakerConfig
	return Settings{
		Interval:        cfg.CycleConfig.Interval,
		BrokerTimeout:   cfg.CycleConfig.BrokerTimeout,
		BotLockTTL:      cfg.LockConfig.BotLockTTL,
		StoreTimeout:    cfg.LockConfig.StoreTimeout,
		SettlementGrace: cfg.CycleConfig.SettlementGrace,
		Circuit: circuit.Config{
			FailureThreshold:    cb.FailureThreshold,
			FailureWindow:       cb.FailureWindow,
			RecoveryTimeout:     cb.RecoveryTimeout,
			SuccessThreshold:    cb.SuccessThreshold,
			HalfOpenMaxAttempts: cb.HalfOpenMaxAttempts,
		},
	}
}

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = 10 * time.Second
	}
	if s.BrokerTimeout <= 0 {
		s.BrokerTimeout = 15 * time.Second
	}
	if s.BotLockTTL <= 0 {
		s.BotLockTTL = 30 * time.Second
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = 2 * time.Second
	}
	if s.SettlementGrace <= 0 {
		s.SettlementGrace = 5 * time.Minute
	}
	return s
}
