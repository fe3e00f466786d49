package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"bot-execution-core/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type paperContract struct {
	proposal   Proposal
	entryPrice float64
	settleAt   time.Time
	won        bool
	settled    *Settlement
}

// PaperClient simulates a venue with fixed-payout contracts. Stakes are
// debited on placement and credited with the payout on a win.
type PaperClient struct {
	winRate     float64
	payout      float64
	settleAfter time.Duration
	poller      *SettlementPoller
	now         func() time.Time

	mu        sync.Mutex
	balance   float64
	rng       *rand.Rand
	prices    map[string]float64
	contracts map[string]*paperContract
}

// NewPaperClient creates a simulator from the broker config
func NewPaperClient(cfg config.BrokerConfig, pollInterval time.Duration, logger zerolog.Logger) *PaperClient {
	pc := &PaperClient{
		winRate:     cfg.PaperWinRate,
		payout:      cfg.PaperPayout,
		settleAfter: cfg.PaperSettleAfter,
		now:         time.Now,
		balance:     cfg.PaperBalance,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		prices: map[string]float64{
			"EURUSD":  1.0850,
			"GBPUSD":  1.2700,
			"USDJPY":  150.20,
			"XAUUSD":  2030.00,
			"BTCUSDT": 64000.00,
			"ETHUSDT": 3400.00,
		},
		contracts: make(map[string]*paperContract),
	}
	pc.poller = NewSettlementPoller(pc.fetchSettlement, pollInterval, 0,
		logger.With().Str("component", "paper_broker").Logger())
	return pc
}

// SetRand replaces the outcome source, for deterministic tests
func (pc *PaperClient) SetRand(r *rand.Rand) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.rng = r
}

func (pc *PaperClient) SetClock(now func() time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.now = now
}

func (pc *PaperClient) GetBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.balance, nil
}

func (pc *PaperClient) RequestProposal(ctx context.Context, req ProposalRequest) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if req.Stake <= 0 {
		return nil, fmt.Errorf("%w: stake must be positive", ErrProposalRejected)
	}
	if req.Direction != DirectionBuy && req.Direction != DirectionSell {
		return nil, fmt.Errorf("%w: invalid direction %q", ErrProposalRejected, req.Direction)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	return &Proposal{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Stake:     req.Stake,
		Duration:  req.Duration,
		Payout:    req.Stake * pc.payout,
		Spot:      pc.priceLocked(req.Symbol),
		CreatedAt: pc.now(),
	}, nil
}

func (pc *PaperClient) PlaceTrade(ctx context.Context, proposal *Proposal) (*Placement, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if proposal == nil {
		return nil, fmt.Errorf("%w: nil proposal", ErrTradeExecutionFailed)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if proposal.Stake > pc.balance {
		return nil, fmt.Errorf("%w: stake %.2f exceeds balance %.2f", ErrInsufficientBalance, proposal.Stake, pc.balance)
	}

	settleAfter := proposal.Duration
	if settleAfter <= 0 {
		settleAfter = pc.settleAfter
	}

	now := pc.now()
	id := uuid.NewString()
	pc.balance -= proposal.Stake
	pc.contracts[id] = &paperContract{
		proposal:   *proposal,
		entryPrice: pc.priceLocked(proposal.Symbol),
		settleAt:   now.Add(settleAfter),
		won:        pc.rng.Float64() < pc.winRate,
	}

	return &Placement{
		ContractID: id,
		EntryPrice: pc.contracts[id].entryPrice,
		PlacedAt:   now,
	}, nil
}

func (pc *PaperClient) SubscribeToSettlement(contractID string, fn func(Settlement)) func() {
	return pc.poller.Subscribe(contractID, fn)
}

// fetchSettlement settles a contract once its expiry has passed
func (pc *PaperClient) fetchSettlement(_ context.Context, contractID string) (*Settlement, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	c, ok := pc.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown contract %s", ErrAPI, contractID)
	}
	if c.settled != nil {
		s := *c.settled
		return &s, nil
	}

	now := pc.now()
	if now.Before(c.settleAt) {
		return nil, nil
	}

	s := &Settlement{
		ContractID: contractID,
		ExitPrice:  pc.priceLocked(c.proposal.Symbol),
		SettledAt:  now,
	}
	if c.won {
		s.Status = StatusWon
		s.ProfitLoss = c.proposal.Payout
		pc.balance += c.proposal.Stake + c.proposal.Payout
	} else {
		s.Status = StatusLost
		s.ProfitLoss = -c.proposal.Stake
	}
	s.BalanceAfter = pc.balance
	c.settled = s

	out := *s
	return &out, nil
}

// priceLocked walks the simulated price by up to 0.1%. Caller must hold pc.mu.
func (pc *PaperClient) priceLocked(symbol string) float64 {
	price, ok := pc.prices[symbol]
	if !ok {
		price = 100.0
	}
	price *= 1 + (pc.rng.Float64()-0.5)*0.002
	pc.prices[symbol] = price
	return price
}
