package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"bot-execution-core/internal/botstate"
	"bot-execution-core/internal/broker"
	"bot-execution-core/internal/circuit"
	"bot-execution-core/internal/events"
	"bot-execution-core/internal/lock"
	"bot-execution-core/internal/logging"
	"bot-execution-core/internal/market"
	"bot-execution-core/internal/risk"

	"github.com/rs/zerolog"
)

// BotRunner drives one bot. Each tick runs a cycle on its own goroutine and
// isExecuting drops ticks that would overlap.
type BotRunner struct {
	spec     BotSpec
	deps     *Deps
	settings Settings
	machine  *botstate.Machine
	breaker  *circuit.Breaker
	logger   zerolog.Logger
	onStop   func(reason risk.Reason, message string)

	ctx    context.Context
	cancel context.CancelFunc

	isExecuting    atomic.Bool
	tradesExecuted atomic.Int64
	lastOutcome    atomic.Value

	mu                 sync.Mutex
	openContract       string
	settlementDeadline time.Time
	settlementUnsub    func()
}

func newRunner(spec BotSpec, deps *Deps, settings Settings, onStop func(risk.Reason, string)) *BotRunner {
	logger := logging.BotContext(deps.Logger, spec.UserID, spec.BotID).
		With().Str("symbol", spec.Symbol).Logger()

	r := &BotRunner{
		spec:     spec,
		deps:     deps,
		settings: settings,
		machine:  botstate.NewWithClock(spec.UserID, spec.BotID, logger, deps.Bus, deps.Now),
		breaker:  circuit.NewBreakerWithClock(settings.Circuit, spec.UserID, spec.BotID, deps.Bus, deps.Now),
		logger:   logger,
		onStop:   onStop,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.breaker.OnStateChange(func(from, to circuit.BreakerState) {
		deps.Metrics.SetBreakerState(spec.UserID, spec.BotID, to.GaugeValue())
		logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker state changed")
	})
	deps.Metrics.SetBreakerState(spec.UserID, spec.BotID, circuit.StateClosed.GaugeValue())
	return r
}

func (r *BotRunner) Spec() BotSpec { return r.spec }
func (r *BotRunner) Machine() *botstate.Machine { return r.machine }
func (r *BotRunner) Breaker() *circuit.Breaker { return r.breaker }
func (r *BotRunner) IsExecuting() bool { return r.isExecuting.Load() }
func (r *BotRunner) TradesExecuted() int64 { return r.tradesExecuted.Load() }

func (r *BotRunner) LastOutcome() Outcome {
	o, _ := r.lastOutcome.Load().(Outcome)
	return o
}

func (r *BotRunner) run(wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.RunCycle(r.ctx)
			}()
		}
	}
}

// RunCycle performs one trading cycle. Whatever step it exits on, the bot
// lock and then the user lock are released before it returns.
func (r *BotRunner) RunCycle(ctx context.Context) (outcome Outcome) {
	if !r.isExecuting.CompareAndSwap(false, true) {
		r.deps.Metrics.ObserveCycle(string(OutcomeSkippedBusy), 0)
		return OutcomeSkippedBusy
	}

	start := time.Now()
	ctx, logger := logging.WithTraceContext(ctx, r.logger)
	userID, botID := r.spec.UserID, r.spec.BotID
	var userLocked, botLocked bool

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("Cycle panicked")
			r.breaker.RecordFailure(fmt.Sprintf("panic: %v", rec))
			outcome = r.handleRiskError(risk.ErrorKindAPI)
		}

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.StoreTimeout)
		defer cancel()
		if botLocked && !r.deps.Locks.Release(releaseCtx, lock.BotKey(userID, botID)) {
			r.deps.Metrics.LockReleaseFailed("bot")
			logger.Warn().Msg("Bot lock release failed, TTL will reclaim it")
		}
		if userLocked && !r.deps.UserLocks.ReleaseLock(releaseCtx, userID, botID) {
			logger.Warn().Msg("User lock release failed, TTL will reclaim it")
		}

		r.isExecuting.Store(false)
		r.lastOutcome.Store(outcome)
		r.deps.Metrics.ObserveCycle(string(outcome), time.Since(start))
		logger.Debug().Str("outcome", string(outcome)).Dur("duration", time.Since(start)).Msg("Cycle finished")
	}()

	// Local checks first, no lock traffic
	if r.machine.IsInTrade() {
		if r.abandonOverdueSettlement(logger) {
			return OutcomeSettlementExpired
		}
		return OutcomeSkippedInTrade
	}
	switch r.machine.State() {
	case botstate.StateRunning:
		if v := r.breaker.CanExecute(); !v.Allowed {
			r.machine.Transition(botstate.StatePaused, v.Message)
			logger.Warn().Str("circuit", string(v.State)).Msg(v.Message)
			return OutcomeSkippedCircuitOpen
		}
	case botstate.StatePaused:
		v := r.breaker.CanExecute()
		if !v.Allowed {
			return OutcomeSkippedCircuitOpen
		}
		r.machine.Transition(botstate.StateRunning, "circuit "+string(v.State))
	default:
		return OutcomeSkippedState
	}

	if !r.deps.UserLocks.AcquireLock(ctx, userID, botID) {
		logger.Debug().Msg("User lock held by another bot, skipping cycle")
		return OutcomeSkippedUserLocked
	}
	userLocked = true

	ok := r.deps.Locks.Acquire(ctx, lock.BotKey(userID, botID), r.settings.BotLockTTL, 0, 0)
	r.deps.Metrics.LockAcquire("bot", ok)
	if !ok {
		logger.Debug().Msg("Bot lock held elsewhere, skipping cycle")
		return OutcomeSkippedBotLocked
	}
	botLocked = true

	if r.deps.Risk.RollDay(botID, userID) {
		logger.Info().Msg("New UTC day, risk counters reset")
	}

	if status := r.deps.Market.Check(ctx, r.spec.Symbol); !status.IsTradable {
		logger.Info().
			Str("market_status", status.Status).
			Str("reason", string(marketReason(status))).
			Str("detail", status.Reason).
			Msg("Market not tradable, skipping cycle")
		return OutcomeSkippedMarketClosed
	}

	bctx, cancel := context.WithTimeout(ctx, r.settings.BrokerTimeout)
	defer cancel()

	balance, err := r.deps.Broker.GetBalance(bctx)
	if err != nil {
		return r.brokerFailure(logger, "get balance", err)
	}
	if balance < r.spec.Stake {
		logger.Warn().Float64("balance", balance).Float64("stake", r.spec.Stake).Msg("Insufficient balance, skipping cycle")
		r.publishInsufficientBalance(balance)
		return OutcomeSkippedNoBalance
	}

	check := r.deps.Risk.CheckRisk(botID, userID, balance, r.spec.Symbol)
	if check.ShouldStop {
		r.stop(check.Reason, check.Message)
		return OutcomeStopped
	}
	if !check.Allowed {
		return OutcomeSkippedRisk
	}

	proposal, err := r.deps.Broker.RequestProposal(bctx, broker.ProposalRequest{
		Symbol:    r.spec.Symbol,
		Direction: r.spec.Direction,
		Stake:     r.spec.Stake,
		Duration:  r.spec.Duration,
	})
	if err != nil {
		return r.brokerFailure(logger, "request proposal", err)
	}

	if r.deps.Limits != nil {
		allowed, reason, err := r.deps.Limits.CanExecuteTrade(ctx, userID, r.spec.Stake)
		if err != nil {
			logger.Warn().Err(err).Msg("Trade limit check failed, skipping cycle")
			return OutcomeSkippedTradeLimit
		}
		if !allowed {
			logger.Info().Str("reason", reason).Msg("User trade limit reached, skipping cycle")
			return OutcomeSkippedTradeLimit
		}
	}

	if r.ctx.Err() != nil {
		return OutcomeStopped
	}

	tradeLogger := logging.TradeContext(logger, r.spec.Symbol, r.spec.Direction, r.spec.Stake)
	placement, err := r.deps.Broker.PlaceTrade(bctx, proposal)
	if err != nil {
		return r.brokerFailure(tradeLogger, "place trade", err)
	}

	r.machine.Transition(botstate.StateInTrade, "contract "+placement.ContractID)
	if r.deps.Trades != nil {
		if err := r.deps.Trades.LogOpen(ctx, userID, botID, proposal, placement); err != nil {
			tradeLogger.Error().Err(err).Msg("Failed to log opened trade")
		}
	}
	r.breaker.RecordSuccess()
	r.deps.Risk.RecordAPISuccess(botID, userID)
	r.deps.Risk.RecordPlacement(botID, userID)
	r.tradesExecuted.Add(1)

	tradeLogger.Info().
		Str("contract_id", placement.ContractID).
		Float64("entry_price", placement.EntryPrice).
		Float64("payout", proposal.Payout).
		Msg("Trade placed")
	r.deps.Bus.Publish(events.Event{
		Type:   events.EventTradeOpened,
		UserID: userID,
		BotID:  botID,
		Data: map[string]interface{}{
			"contract_id": placement.ContractID,
			"symbol":      r.spec.Symbol,
			"direction":   r.spec.Direction,
			"stake":       r.spec.Stake,
			"entry_price": placement.EntryPrice,
		},
	})

	r.mu.Lock()
	r.openContract = placement.ContractID
	r.settlementDeadline = r.deps.Now().Add(r.spec.Duration + r.settings.SettlementGrace)
	r.mu.Unlock()
	unsubscribe := r.deps.Broker.SubscribeToSettlement(placement.ContractID, r.settlementHandler(proposal))
	r.mu.Lock()
	if r.openContract == placement.ContractID {
		r.settlementUnsub = unsubscribe
	}
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		tradeLogger.Warn().Str("contract_id", placement.ContractID).Msg("Bot stopped while placing trade, settlement not monitored")
		unsubscribe()
	}
	return OutcomeExecuted
}

// settlementHandler runs on the broker's polling goroutine
func (r *BotRunner) settlementHandler(p *broker.Proposal) func(broker.Settlement) {
	return func(s broker.Settlement) {
		userID, botID := r.spec.UserID, r.spec.BotID
		logger := r.logger.With().Str("contract_id", s.ContractID).Logger()

		r.mu.Lock()
		wasOpen := r.openContract == s.ContractID
		if wasOpen {
			r.openContract = ""
			r.settlementDeadline = time.Time{}
			r.settlementUnsub = nil
		}
		r.mu.Unlock()

		if r.deps.Trades != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.settings.BrokerTimeout)
			if err := r.deps.Trades.UpdateOnSettlement(ctx, userID, botID, s); err != nil {
				logger.Error().Err(err).Msg("Failed to log settlement")
			}
			cancel()
		}
		if r.ctx.Err() != nil {
			return
		}

		m := r.deps.Risk.RecordTradeResult(botID, userID, s.ProfitLoss, s.BalanceAfter)
		logger.Info().
			Str("status", s.Status).
			Float64("profit_loss", s.ProfitLoss).
			Float64("balance", s.BalanceAfter).
			Float64("profit_loss_today", m.ProfitLossToday).
			Msg("Trade settled")
		r.deps.Bus.Publish(events.Event{
			Type:   events.EventTradeSettled,
			UserID: userID,
			BotID:  botID,
			Data: map[string]interface{}{
				"contract_id":   s.ContractID,
				"status":        s.Status,
				"profit_loss":   s.ProfitLoss,
				"balance_after": s.BalanceAfter,
			},
		})

		// A late result for an abandoned contract must not end a newer trade
		if wasOpen && r.machine.IsInTrade() {
			r.machine.Transition(botstate.StateRunning, "trade settled")
		}

		res := r.deps.Risk.CheckTradeResult(botID, userID, s.ProfitLoss, p.Stake)
		if res.Reason == risk.ReasonTakeProfitHit && !res.ShouldStop {
			r.deps.Bus.Publish(events.Event{
				Type:   events.EventTakeProfitHit,
				UserID: userID,
				BotID:  botID,
				Data:   map[string]interface{}{"message": res.Message, "profit_loss": s.ProfitLoss},
			})
		}
		if res.ShouldStop {
			r.stop(res.Reason, res.Message)
		}
	}
}

// abandonOverdueSettlement gives up on the open contract once its deadline
// has passed. The miss counts as a breaker failure and the bot returns to
// RUNNING.
func (r *BotRunner) abandonOverdueSettlement(logger zerolog.Logger) bool {
	r.mu.Lock()
	contract := r.openContract
	if contract == "" || r.settlementDeadline.IsZero() || !r.deps.Now().After(r.settlementDeadline) {
		r.mu.Unlock()
		return false
	}
	deadline := r.settlementDeadline
	unsubscribe := r.settlementUnsub
	r.openContract = ""
	r.settlementDeadline = time.Time{}
	r.settlementUnsub = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	err := fmt.Errorf("%w: no settlement for contract %s by %s", broker.ErrTimeout, contract, deadline.UTC().Format(time.RFC3339))
	logger.Error().Err(err).Str("contract_id", contract).Msg("Settlement overdue, contract abandoned")
	r.breaker.RecordFailure(err.Error())
	r.deps.Bus.PublishError(r.spec.UserID, r.spec.BotID, "await settlement", err)
	r.machine.Transition(botstate.StateRunning, "settlement overdue")
	return true
}

// brokerFailure records a failed broker call and escalates by error kind
func (r *BotRunner) brokerFailure(logger zerolog.Logger, op string, err error) Outcome {
	kind := broker.Classify(err)
	logger.Error().Err(err).Str("operation", op).Str("kind", string(kind)).Msg("Broker call failed")
	r.breaker.RecordFailure(fmt.Sprintf("%s: %v", op, err))
	r.deps.Bus.PublishError(r.spec.UserID, r.spec.BotID, op, err)

	switch {
	case kind.Critical():
		r.machine.ForceTransition(botstate.StateError, err.Error())
		return r.handleRiskError(risk.ErrorKindConnectionLost)
	case kind == broker.KindAPI || kind == broker.KindTimeout:
		return r.handleRiskError(risk.ErrorKindAPI)
	case kind == broker.KindInsufficientBalance:
		r.publishInsufficientBalance(0)
		return OutcomeSkippedNoBalance
	}
	return OutcomeFailed
}

func (r *BotRunner) handleRiskError(kind risk.ErrorKind) Outcome {
	res := r.deps.Risk.HandleError(r.spec.BotID, r.spec.UserID, kind)
	if res.ShouldStop {
		r.stop(res.Reason, res.Message)
		return OutcomeStopped
	}
	return OutcomeFailed
}

func (r *BotRunner) publishInsufficientBalance(balance float64) {
	r.deps.Bus.Publish(events.Event{
		Type:   events.EventInsufficientBalance,
		UserID: r.spec.UserID,
		BotID:  r.spec.BotID,
		Data: map[string]interface{}{
			"balance": balance,
			"stake":   r.spec.Stake,
		},
	})
}

func (r *BotRunner) stop(reason risk.Reason, message string) {
	if r.onStop != nil {
		r.onStop(reason, message)
	}
}

// halt cancels the cycle context and settlement monitoring and walks the
// state machine to IDLE. It does not wait for goroutines.
func (r *BotRunner) halt(reason string) {
	r.cancel()

	r.mu.Lock()
	unsubscribe := r.settlementUnsub
	r.settlementUnsub = nil
	r.openContract = ""
	r.settlementDeadline = time.Time{}
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if !r.machine.Transition(botstate.StateStopping, reason) {
		r.machine.ForceTransition(botstate.StateStopping, reason)
	}
	r.machine.Transition(botstate.StateIdle, reason)
}

func (r *BotRunner) status() BotStatus {
	r.mu.Lock()
	contract := r.openContract
	r.mu.Unlock()

	metrics, _ := r.deps.Risk.GetMetrics(r.spec.BotID, r.spec.UserID)
	return BotStatus{
		UserID:         r.spec.UserID,
		BotID:          r.spec.BotID,
		Symbol:         r.spec.Symbol,
		State:          r.machine.Snapshot(),
		Circuit:        r.breaker.Stats(),
		Risk:           metrics,
		TradesExecuted: r.tradesExecuted.Load(),
		IsExecuting:    r.isExecuting.Load(),
		OpenContract:   contract,
		LastOutcome:    r.LastOutcome(),
	}
}

func marketReason(s market.Status) risk.Reason {
	if s.Status == market.StatusSuspended {
		return risk.ReasonMarketSuspended
	}
	return risk.ReasonMarketClosed
}
