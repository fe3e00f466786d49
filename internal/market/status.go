// Package market answers whether a symbol can be traded right now.
package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Status values
const (
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusSuspended = "suspended"
	StatusUnknown   = "unknown"
)

// Status is the tradability of one symbol
type Status struct {
	Symbol     string `json:"symbol"`
	IsTradable bool   `json:"is_tradable"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// StatusProvider reports market status. Implementations may block on I/O
// and must honour ctx.
type StatusProvider interface {
	GetStatus(ctx context.Context, symbol string) (Status, error)
}

// Guard wraps a provider with a timeout and fails closed: errors, timeouts
// and unknown statuses all come back as not tradable.
type Guard struct {
	provider StatusProvider
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewGuard(provider StatusProvider, timeout time.Duration, logger zerolog.Logger) *Guard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guard{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With().Str("component", "market").Logger(),
	}
}

// Check never returns an error; callers only need IsTradable
func (g *Guard) Check(ctx context.Context, symbol string) Status {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		status Status
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := g.provider.GetStatus(ctx, symbol)
		done <- result{s, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		g.logger.Warn().Err(res.err).Str("symbol", symbol).Msg("Market status unavailable, blocking cycle")
		return Status{Symbol: symbol, Status: StatusUnknown, Reason: res.err.Error()}
	}
	if res.status.Status == StatusUnknown || res.status.Status == "" {
		res.status.IsTradable = false
		res.status.Status = StatusUnknown
	}
	res.status.Symbol = symbol
	return res.status
}
