package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SettlementFetcher checks a contract once. It returns nil while the
// contract is still open.
type SettlementFetcher func(ctx context.Context, contractID string) (*Settlement, error)

// SettlementPoller turns a pull-only venue into settlement callbacks. Each
// subscription is a cancellable goroutine.
type SettlementPoller struct {
	fetch    SettlementFetcher
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	wg sync.WaitGroup
}

func NewSettlementPoller(fetch SettlementFetcher, interval, timeout time.Duration, logger zerolog.Logger) *SettlementPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SettlementPoller{
		fetch:    fetch,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Subscribe polls contractID until it settles, then calls fn once. Fetch
// errors are logged and polling continues.
func (p *SettlementPoller) Subscribe(contractID string, fn func(Settlement)) func() {
	ctx, cancel := context.WithCancel(context.Background())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			fctx, fcancel := context.WithTimeout(ctx, p.timeout)
			s, err := p.fetch(fctx, contractID)
			fcancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn().Err(err).Str("contract_id", contractID).Msg("Settlement poll failed")
				continue
			}
			if s == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			fn(*s)
			return
		}
	}()

	return cancel
}

// Wait blocks until every subscription goroutine has exited
func (p *SettlementPoller) Wait() {
	p.wg.Wait()
}
