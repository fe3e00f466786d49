// Package broker defines the contract between the execution core and a
// trading venue, plus the paper-trading adapter.
package broker

import (
	"context"
	"time"
)

const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// ProposalRequest describes the trade a bot wants to open
type ProposalRequest struct {
	Symbol    string        `json:"symbol"`
	Direction string        `json:"direction"`
	Stake     float64       `json:"stake"`
	Duration  time.Duration `json:"duration"` // 0 = held until closed by the venue
}

// Proposal is a priced, not yet executed trade
type Proposal struct {
	ID        string        `json:"id"`
	Symbol    string        `json:"symbol"`
	Direction string        `json:"direction"`
	Stake     float64       `json:"stake"`
	Duration  time.Duration `json:"duration"`
	Payout    float64       `json:"payout"` // Expected profit on a win
	Spot      float64       `json:"spot"`
	CreatedAt time.Time     `json:"created_at"`
}

// Placement is the venue's acknowledgement of an executed trade
type Placement struct {
	ContractID string    `json:"contract_id"`
	EntryPrice float64   `json:"entry_price"`
	PlacedAt   time.Time `json:"placed_at"`
}

// Settlement status values
const (
	StatusWon  = "won"
	StatusLost = "lost"
)

// Settlement is the final result of a contract
type Settlement struct {
	ContractID   string    `json:"contract_id"`
	Status       string    `json:"status"`
	ProfitLoss   float64   `json:"profit_loss"`
	ExitPrice    float64   `json:"exit_price"`
	BalanceAfter float64   `json:"balance_after"`
	SettledAt    time.Time `json:"settled_at"`
}

// Client is a trading venue. Every call honours ctx; errors wrap one of the
// sentinels in errors.go.
type Client interface {
	GetBalance(ctx context.Context) (float64, error)
	RequestProposal(ctx context.Context, req ProposalRequest) (*Proposal, error)
	PlaceTrade(ctx context.Context, proposal *Proposal) (*Placement, error)

	// SubscribeToSettlement calls fn once when the contract settles. The
	// returned function stops monitoring and is safe to call more than once.
	SubscribeToSettlement(contractID string, fn func(Settlement)) (unsubscribe func())
}

// SessionCloser is implemented by venues that hold a login session which
// should be ended on shutdown
type SessionCloser interface {
	Disconnect(ctx context.Context) error
}

var _ Client = (*PaperClient)(nil)
