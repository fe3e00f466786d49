package market

import (
	"context"
	"strings"
	"sync"
	"time"
)

var cryptoBases = []string{"BTC", "ETH", "LTC", "XRP", "SOL", "BNB", "ADA", "DOGE", "DOT", "AVAX"}

// SessionProvider derives status from a trading calendar: crypto trades
// around the clock, FX and metals from Sunday 22:00 UTC to Friday 22:00 UTC
// outside listed holidays. Operators can suspend individual symbols.
type SessionProvider struct {
	now      func() time.Time
	holidays map[string]bool // "MM-DD" in UTC

	mu        sync.RWMutex
	suspended map[string]string
}

func NewSessionProvider() *SessionProvider {
	return NewSessionProviderWithClock(time.Now)
}

func NewSessionProviderWithClock(now func() time.Time) *SessionProvider {
	return &SessionProvider{
		now: now,
		holidays: map[string]bool{
			"12-25": true,
			"01-01": true,
		},
		suspended: make(map[string]string),
	}
}

// Suspend halts trading on symbol until Resume
func (p *SessionProvider) Suspend(symbol, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended[strings.ToUpper(symbol)] = reason
}

func (p *SessionProvider) Resume(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.suspended, strings.ToUpper(symbol))
}

func (p *SessionProvider) GetStatus(_ context.Context, symbol string) (Status, error) {
	sym := strings.ToUpper(symbol)

	p.mu.RLock()
	reason, halted := p.suspended[sym]
	p.mu.RUnlock()
	if halted {
		return Status{Symbol: symbol, Status: StatusSuspended, Reason: reason}, nil
	}

	now := p.now().UTC()
	switch {
	case IsCrypto(sym):
		return Status{Symbol: symbol, IsTradable: true, Status: StatusOpen}, nil
	case isFX(sym):
		if p.holidays[now.Format("01-02")] {
			return Status{Symbol: symbol, Status: StatusClosed, Reason: "market holiday"}, nil
		}
		if !fxSessionOpen(now) {
			return Status{Symbol: symbol, Status: StatusClosed, Reason: "weekend"}, nil
		}
		return Status{Symbol: symbol, IsTradable: true, Status: StatusOpen}, nil
	}

	return Status{Symbol: symbol, Status: StatusUnknown, Reason: "no calendar for symbol"}, nil
}

// IsCrypto reports whether symbol is a crypto pair
func IsCrypto(symbol string) bool {
	sym := strings.ToUpper(symbol)
	if strings.HasSuffix(sym, "USDT") {
		return true
	}
	for _, base := range cryptoBases {
		if strings.HasPrefix(sym, base) {
			return true
		}
	}
	return false
}

func isFX(sym string) bool {
	if len(sym) != 6 {
		return false
	}
	for _, r := range sym {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func fxSessionOpen(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return now.Hour() >= 22
	case time.Friday:
		return now.Hour() < 22
	default:
		return true
	}
}
