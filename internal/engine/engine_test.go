package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bot-execution-core/internal/botstate"
	"bot-execution-core/internal/broker"
	"bot-execution-core/internal/circuit"
	"bot-execution-core/internal/events"
	"bot-execution-core/internal/lock"
	"bot-execution-core/internal/market"
	"bot-execution-core/internal/metrics"
	"bot-execution-core/internal/risk"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeBroker struct {
	mu           sync.Mutex
	balance      float64
	balanceErr   error
	proposalErr  error
	placeErr     error
	panicMsg     string
	proposals    int
	placed       int
	subs         map[string]func(broker.Settlement)
	unsubscribed map[string]bool
}

func newFakeBroker(balance float64) *fakeBroker {
	return &fakeBroker{
		balance:      balance,
		subs:         map[string]func(broker.Settlement){},
		unsubscribed: map[string]bool{},
	}
}

func (b *fakeBroker) GetBalance(context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, b.balanceErr
}

func (b *fakeBroker) RequestProposal(_ context.Context, req broker.ProposalRequest) (*broker.Proposal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	b.proposals++
	if b.proposalErr != nil {
		return nil, b.proposalErr
	}
	return &broker.Proposal{
		ID:        fmt.Sprintf("p-%d", b.proposals),
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Stake:     req.Stake,
		Duration:  req.Duration,
		Payout:    req.Stake * 0.8,
	}, nil
}

func (b *fakeBroker) PlaceTrade(_ context.Context, p *broker.Proposal) (*broker.Placement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	b.placed++
	return &broker.Placement{ContractID: fmt.Sprintf("c-%d", b.placed), EntryPrice: 1.1}, nil
}

func (b *fakeBroker) SubscribeToSettlement(contractID string, fn func(broker.Settlement)) func() {
	b.mu.Lock()
	b.subs[contractID] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, contractID)
		b.unsubscribed[contractID] = true
		b.mu.Unlock()
	}
}

func (b *fakeBroker) set(fn func(b *fakeBroker)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

// settle fires the settlement callback the way the broker's poller would
func (b *fakeBroker) settle(t *testing.T, contractID string, pl, balanceAfter float64) {
	t.Helper()
	b.mu.Lock()
	fn, ok := b.subs[contractID]
	delete(b.subs, contractID)
	b.balance = balanceAfter
	b.mu.Unlock()
	require.True(t, ok, "no settlement subscription for %s", contractID)

	status := broker.StatusWon
	if pl < 0 {
		status = broker.StatusLost
	}
	fn(broker.Settlement{ContractID: contractID, Status: status, ProfitLoss: pl, BalanceAfter: balanceAfter})
}

type fakeMarket struct {
	mu     sync.Mutex
	status market.Status
}

func (m *fakeMarket) Check(_ context.Context, symbol string) market.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.Symbol = symbol
	return s
}

type fakeLimits struct {
	allowed bool
	reason  string
	err     error
}

func (l fakeLimits) CanExecuteTrade(context.Context, string, float64) (bool, string, error) {
	return l.allowed, l.reason, l.err
}

type fakeTrades struct {
	mu      sync.Mutex
	opened  []string
	settled []string
}

func (f *fakeTrades) LogOpen(_ context.Context, _, _ string, _ *broker.Proposal, p *broker.Placement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, p.ContractID)
	return nil
}

func (f *fakeTrades) UpdateOnSettlement(_ context.Context, _, _ string, s broker.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, s.ContractID)
	return nil
}

type mapMetricsStore struct {
	mu   sync.Mutex
	data map[string]risk.Metrics
}

func (s *mapMetricsStore) Save(_ context.Context, userID, botID string, m risk.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[userID+"/"+botID] = m
	return nil
}

func (s *mapMetricsStore) Load(_ context.Context, userID, botID string) (*risk.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[userID+"/"+botID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *mapMetricsStore) Delete(_ context.Context, userID, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, userID+"/"+botID)
	return nil
}

type harness struct {
	clock   *testClock
	broker  *fakeBroker
	market  *fakeMarket
	trades  *fakeTrades
	store   *lock.MemoryStore
	locks   *lock.Manager
	peer    *lock.Manager
	riskMgr *risk.Manager
	manager *Manager

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T, limits risk.Limits) *harness {
	t.Helper()
	h := &harness{
		clock:  &testClock{t: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)},
		broker: newFakeBroker(1000),
		market: &fakeMarket{status: market.Status{IsTradable: true, Status: market.StatusOpen}},
		trades: &fakeTrades{},
	}

	bus := events.NewEventBus()
	bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	m := metrics.New(prometheus.NewRegistry())
	h.store = lock.NewMemoryStore(h.clock.Now)
	h.locks = lock.NewManager(h.store, lock.ManagerOptions{InstanceID: "engine", Now: h.clock.Now, Metrics: m})
	h.peer = lock.NewManager(h.store, lock.ManagerOptions{InstanceID: "peer", Now: h.clock.Now})
	h.riskMgr = risk.NewManagerWithClock(limits, zerolog.Nop(), h.clock.Now)

	h.manager = NewManager(Deps{
		Locks:     h.locks,
		UserLocks: lock.NewUserLock(h.locks, time.Minute, m),
		Broker:    h.broker,
		Market:    h.market,
		Risk:      h.riskMgr,
		Trades:    h.trades,
		Bus:       bus,
		Metrics:   m,
		Logger:    zerolog.Nop(),
		Now:       h.clock.Now,
	}, Settings{
		Interval:      time.Hour,
		BrokerTimeout: time.Second,
		BotLockTTL:    time.Minute,
		StoreTimeout:  time.Second,
		Circuit: circuit.Config{
			FailureThreshold:    2,
			FailureWindow:       time.Minute,
			RecoveryTimeout:     30 * time.Second,
			SuccessThreshold:    1,
			HalfOpenMaxAttempts: 1,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func testSpec(botID string) BotSpec {
	return BotSpec{UserID: "u1", BotID: botID, Symbol: "EURUSD", Stake: 10, Direction: broker.DirectionBuy, Duration: time.Minute}
}

func (h *harness) start(t *testing.T, spec BotSpec) *BotRunner {
	t.Helper()
	require.NoError(t, h.manager.StartBot(context.Background(), spec))
	r, ok := h.manager.Runner(spec.UserID, spec.BotID)
	require.True(t, ok)
	return r
}

func (h *harness) eventsOf(typ events.EventType) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, e := range h.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) assertUnlocked(t *testing.T, userID, botID string) {
	t.Helper()
	ctx := context.Background()
	assert.False(t, h.locks.IsLocked(ctx, lock.UserKey(userID)), "user lock still held")
	assert.False(t, h.locks.IsLocked(ctx, lock.BotKey(userID, botID)), "bot lock still held")
}

func TestStartBotValidatesAndRejectsDuplicates(t *testing.T) {
	h := newHarness(t, risk.Limits{})

	bad := testSpec("b1")
	bad.Stake = 0
	assert.ErrorIs(t, h.manager.StartBot(context.Background(), bad), ErrInvalidBot)

	r := h.start(t, testSpec("b1"))
	assert.Equal(t, botstate.StateRunning, r.Machine().State())
	assert.ErrorIs(t, h.manager.StartBot(context.Background(), testSpec("b1")), ErrBotAlreadyRunning)

	started := h.eventsOf(events.EventBotStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 1000.0, started[0].Data["balance"])

	m, ok := h.riskMgr.GetMetrics("b1", "u1")
	require.True(t, ok)
	assert.Equal(t, 1000.0, m.StartBalance)
}

func TestStartBotFailsWithoutBalance(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	h.broker.set(func(b *fakeBroker) { b.balanceErr = broker.ErrTimeout })

	err := h.manager.StartBot(context.Background(), testSpec("b1"))
	assert.ErrorIs(t, err, broker.ErrTimeout)
	_, ok := h.manager.Runner("u1", "b1")
	assert.False(t, ok)
	_, ok = h.riskMgr.GetMetrics("b1", "u1")
	assert.False(t, ok)
}

func TestCycleExecutesAndSettles(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))

	assert.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
	assert.Equal(t, botstate.StateInTrade, r.Machine().State())
	assert.Equal(t, int64(1), r.TradesExecuted())
	assert.Equal(t, []string{"c-1"}, h.trades.opened)
	h.assertUnlocked(t, "u1", "b1")

	status, ok := h.manager.Status("u1", "b1")
	require.True(t, ok)
	assert.Equal(t, "c-1", status.OpenContract)
	assert.Equal(t, OutcomeExecuted, status.LastOutcome)
	require.Len(t, h.eventsOf(events.EventTradeOpened), 1)

	assert.Equal(t, OutcomeSkippedInTrade, r.RunCycle(context.Background()))

	h.broker.settle(t, "c-1", 8, 1008)
	assert.Equal(t, botstate.StateRunning, r.Machine().State())
	assert.Equal(t, []string{"c-1"}, h.trades.settled)

	status, _ = h.manager.Status("u1", "b1")
	assert.Empty(t, status.OpenContract)
	assert.Equal(t, 1, status.Risk.TradeCountToday)
	assert.Equal(t, 8.0, status.Risk.ProfitLossToday)
	require.Len(t, h.eventsOf(events.EventTradeSettled), 1)
}

func TestOverlappingCycleIsDropped(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))

	r.isExecuting.Store(true)
	assert.Equal(t, OutcomeSkippedBusy, r.RunCycle(context.Background()))
	r.isExecuting.Store(false)
	assert.Equal(t, 0, h.broker.proposals)
}

func TestLockContentionSkipsCycle(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))
	ctx := context.Background()

	peerUsers := lock.NewUserLock(h.peer, time.Minute, nil)
	require.True(t, peerUsers.AcquireLock(ctx, "u1", "b9"))
	assert.Equal(t, OutcomeSkippedUserLocked, r.RunCycle(ctx))
	require.True(t, peerUsers.ReleaseLock(ctx, "u1", "b9"))

	require.True(t, h.peer.Acquire(ctx, lock.BotKey("u1", "b1"), time.Minute, 0, 0))
	assert.Equal(t, OutcomeSkippedBotLocked, r.RunCycle(ctx))
	assert.False(t, h.locks.IsLocked(ctx, lock.UserKey("u1")), "user lock released on bot lock contention")
	require.True(t, h.peer.Release(ctx, lock.BotKey("u1", "b1")))

	assert.Equal(t, 0, h.broker.proposals)
	assert.Equal(t, OutcomeExecuted, r.RunCycle(ctx))
}

func TestSkippedCyclesKeepBotRunning(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(h *harness)
		want    Outcome
		event   events.EventType
	}{
		{
			name: "market closed",
			prepare: func(h *harness) {
				h.market.status = market.Status{Status: market.StatusClosed, Reason: "weekend"}
			},
			want: OutcomeSkippedMarketClosed,
		},
		{
			name:    "balance below stake",
			prepare: func(h *harness) { h.broker.set(func(b *fakeBroker) { b.balance = 5 }) },
			want:    OutcomeSkippedNoBalance,
			event:   events.EventInsufficientBalance,
		},
		{
			name: "trade limit reached",
			prepare: func(h *harness) {
				h.manager.deps.Limits = fakeLimits{reason: "daily trade limit reached (3/3)"}
			},
			want: OutcomeSkippedTradeLimit,
		},
		{
			name: "trade limit lookup failed",
			prepare: func(h *harness) {
				h.manager.deps.Limits = fakeLimits{err: errors.New("db down")}
			},
			want: OutcomeSkippedTradeLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, risk.Limits{})
			r := h.start(t, testSpec("b1"))
			tt.prepare(h)

			assert.Equal(t, tt.want, r.RunCycle(context.Background()))
			assert.Equal(t, botstate.StateRunning, r.Machine().State())
			assert.Equal(t, 0, h.broker.placed)
			h.assertUnlocked(t, "u1", "b1")
			if tt.event != "" {
				assert.Len(t, h.eventsOf(tt.event), 1)
			}
		})
	}
}

func TestRiskLimitStopsBot(t *testing.T) {
	h := newHarness(t, risk.Limits{MaxTradesPerDay: 1})
	r := h.start(t, testSpec("b1"))

	require.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
	h.broker.settle(t, "c-1", -10, 990)

	assert.Equal(t, OutcomeStopped, r.RunCycle(context.Background()))
	assert.Equal(t, botstate.StateIdle, r.Machine().State())
	_, ok := h.manager.Runner("u1", "b1")
	assert.False(t, ok)
	h.assertUnlocked(t, "u1", "b1")

	stopped := h.eventsOf(events.EventBotStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, string(risk.ReasonMaxTradesReached), stopped[0].Data["reason"])
	m, ok := stopped[0].Data["metrics"].(risk.Metrics)
	require.True(t, ok)
	assert.Equal(t, 1, m.TradeCountToday)
}

func TestStopLossOnSettlementStopsBot(t *testing.T) {
	h := newHarness(t, risk.Limits{StopLossAmount: 5})
	r := h.start(t, testSpec("b1"))

	require.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
	h.broker.settle(t, "c-1", -10, 990)

	assert.Equal(t, botstate.StateIdle, r.Machine().State())
	stopped := h.eventsOf(events.EventBotStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, string(risk.ReasonStopLossHit), stopped[0].Data["reason"])
}

func TestTakeProfitDoesNotStop(t *testing.T) {
	h := newHarness(t, risk.Limits{TakeProfitAmount: 5})
	r := h.start(t, testSpec("b1"))

	require.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
	h.broker.settle(t, "c-1", 8, 1008)

	assert.Equal(t, botstate.StateRunning, r.Machine().State())
	assert.Len(t, h.eventsOf(events.EventTakeProfitHit), 1)
	assert.Empty(t, h.eventsOf(events.EventBotStopped))
}

func TestBrokerFailuresPauseAndRecover(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))
	ctx := context.Background()

	h.broker.set(func(b *fakeBroker) { b.proposalErr = fmt.Errorf("%w: rate limited", broker.ErrAPI) })
	assert.Equal(t, OutcomeFailed, r.RunCycle(ctx))
	assert.Equal(t, OutcomeFailed, r.RunCycle(ctx))
	assert.Equal(t, circuit.StateOpen, r.Breaker().GetState())
	assert.Len(t, h.eventsOf(events.EventError), 2)

	assert.Equal(t, OutcomeSkippedCircuitOpen, r.RunCycle(ctx))
	assert.Equal(t, botstate.StatePaused, r.Machine().State())
	assert.Equal(t, OutcomeSkippedCircuitOpen, r.RunCycle(ctx))
	h.assertUnlocked(t, "u1", "b1")

	h.clock.Advance(31 * time.Second)
	h.broker.set(func(b *fakeBroker) { b.proposalErr = nil })
	assert.Equal(t, OutcomeExecuted, r.RunCycle(ctx))
	assert.Equal(t, botstate.StateInTrade, r.Machine().State())
	assert.Equal(t, circuit.StateClosed, r.Breaker().GetState())
}

func TestConsecutiveAPIErrorsStopBot(t *testing.T) {
	h := newHarness(t, risk.Limits{MaxAPIErrors: 2})
	r := h.start(t, testSpec("b1"))

	h.broker.set(func(b *fakeBroker) { b.proposalErr = broker.ErrTimeout })
	assert.Equal(t, OutcomeFailed, r.RunCycle(context.Background()))
	assert.Equal(t, OutcomeStopped, r.RunCycle(context.Background()))

	stopped := h.eventsOf(events.EventBotStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, string(risk.ReasonAPIError), stopped[0].Data["reason"])
}

func TestConnectionLostStopsBot(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))

	h.broker.set(func(b *fakeBroker) { b.balanceErr = fmt.Errorf("%w: socket closed", broker.ErrConnectionLost) })
	assert.Equal(t, OutcomeStopped, r.RunCycle(context.Background()))

	snap := r.Machine().Snapshot()
	assert.Equal(t, botstate.StateIdle, snap.CurrentState)
	stopped := h.eventsOf(events.EventBotStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, string(risk.ReasonConnectionLost), stopped[0].Data["reason"])
	h.assertUnlocked(t, "u1", "b1")
}

func TestPanicInCycleReleasesLocks(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))

	h.broker.set(func(b *fakeBroker) { b.panicMsg = "nil map" })
	assert.Equal(t, OutcomeFailed, r.RunCycle(context.Background()))
	assert.False(t, r.IsExecuting())
	h.assertUnlocked(t, "u1", "b1")
	assert.Equal(t, 1, r.Breaker().Stats().RecentFailures)
}

func TestStopWhileInTradeDropsSettlement(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))

	require.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
	require.NoError(t, h.manager.StopBot(context.Background(), "u1", "b1", risk.ReasonManualStop, "user request"))

	assert.True(t, h.broker.unsubscribed["c-1"])
	assert.Equal(t, botstate.StateIdle, r.Machine().State())
	assert.ErrorIs(t, h.manager.StopBot(context.Background(), "u1", "b1", risk.ReasonManualStop, ""), ErrBotNotFound)
}

func TestRestartKeepsDailyCounters(t *testing.T) {
	h := newHarness(t, risk.Limits{MaxTradesPerDay: 1})
	h.riskMgr.SetStore(&mapMetricsStore{data: map[string]risk.Metrics{}})

	r := h.start(t, testSpec("b1"))
	require.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
	h.broker.settle(t, "c-1", 5, 1005)
	require.NoError(t, h.manager.StopBot(context.Background(), "u1", "b1", risk.ReasonManualStop, ""))

	r = h.start(t, testSpec("b1"))
	status, _ := h.manager.Status("u1", "b1")
	assert.Equal(t, 1, status.Risk.TradeCountToday)
	assert.Equal(t, OutcomeStopped, r.RunCycle(context.Background()))

	h.manager.DeleteBot(context.Background(), "u1", "b1")
	r = h.start(t, testSpec("b1"))
	assert.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
}

func TestOverdueSettlementIsAbandoned(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	r := h.start(t, testSpec("b1"))
	ctx := context.Background()

	require.Equal(t, OutcomeExecuted, r.RunCycle(ctx))
	h.broker.mu.Lock()
	late := h.broker.subs["c-1"]
	h.broker.mu.Unlock()
	require.NotNil(t, late)

	// Deadline is the one minute contract plus the five minute grace
	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, OutcomeSkippedInTrade, r.RunCycle(ctx))

	h.clock.Advance(time.Second)
	assert.Equal(t, OutcomeSettlementExpired, r.RunCycle(ctx))
	assert.Equal(t, botstate.StateRunning, r.Machine().State())
	assert.True(t, h.broker.unsubscribed["c-1"])
	assert.Equal(t, 1, r.Breaker().Stats().RecentFailures)
	require.Len(t, h.eventsOf(events.EventError), 1)
	h.assertUnlocked(t, "u1", "b1")

	require.Equal(t, OutcomeExecuted, r.RunCycle(ctx))

	// A late result for the abandoned contract leaves the newer trade open
	late(broker.Settlement{ContractID: "c-1", Status: broker.StatusWon, ProfitLoss: 8, BalanceAfter: 1008})
	assert.Equal(t, botstate.StateInTrade, r.Machine().State())
	status, _ := h.manager.Status("u1", "b1")
	assert.Equal(t, "c-2", status.OpenContract)
	assert.Equal(t, 8.0, status.Risk.ProfitLossToday)
}

func TestStopBeforeSettlementStillCountsTrade(t *testing.T) {
	h := newHarness(t, risk.Limits{MaxTradesPerDay: 1})
	h.riskMgr.SetStore(&mapMetricsStore{data: map[string]risk.Metrics{}})

	r := h.start(t, testSpec("b1"))
	require.Equal(t, OutcomeExecuted, r.RunCycle(context.Background()))
	status, _ := h.manager.Status("u1", "b1")
	assert.Equal(t, 1, status.Risk.TradeCountToday)
	require.NoError(t, h.manager.StopBot(context.Background(), "u1", "b1", risk.ReasonManualStop, ""))

	r = h.start(t, testSpec("b1"))
	assert.Equal(t, OutcomeStopped, r.RunCycle(context.Background()))
	assert.Equal(t, 1, h.broker.placed)

	stopped := h.eventsOf(events.EventBotStopped)
	require.Len(t, stopped, 2)
	assert.Equal(t, string(risk.ReasonMaxTradesReached), stopped[1].Data["reason"])
}

func TestEmergencyStopAndShutdown(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	h.start(t, testSpec("b1"))
	h.start(t, testSpec("b2"))
	other := testSpec("b3")
	other.UserID = "u2"
	h.start(t, other)

	ctx := context.Background()
	require.True(t, h.locks.Acquire(ctx, lock.UserKey("u1"), time.Minute, 0, 0))

	assert.Equal(t, 2, h.manager.EmergencyStop(ctx, "u1"))
	assert.False(t, h.locks.IsLocked(ctx, lock.UserKey("u1")))
	list := h.manager.List()
	require.Len(t, list, 1)
	assert.Equal(t, "u2", list[0].UserID)

	require.NoError(t, h.manager.Shutdown(ctx))
	assert.Empty(t, h.manager.List())
	assert.ErrorIs(t, h.manager.StartBot(ctx, testSpec("b1")), ErrShuttingDown)
	assert.Len(t, h.eventsOf(events.EventBotStopped), 3)
}

func TestTickerDrivesCycles(t *testing.T) {
	h := newHarness(t, risk.Limits{})
	h.manager.settings.Interval = 5 * time.Millisecond
	r := h.start(t, testSpec("b1"))

	assert.Eventually(t, func() bool {
		return r.LastOutcome() == OutcomeSkippedInTrade
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), r.TradesExecuted())
}
