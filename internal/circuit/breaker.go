package circuit

import (
	"fmt"
	"sync"
	"time"

	"bot-execution-core/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"    // Normal operation
	StateOpen     BreakerState = "OPEN"      // Execution halted
	StateHalfOpen BreakerState = "HALF_OPEN" // Testing recovery
)

// GaugeValue maps the state onto the exported metric (0 closed, 1 half-open, 2 open)
func (s BreakerState) GaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config holds per-bot circuit breaker configuration
type Config struct {
	FailureThreshold    int           `json:"failure_threshold"`      // Failures within the window that open the circuit
	FailureWindow       time.Duration `json:"failure_window"`         // Sliding window for counting failures
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`       // Time OPEN before trial executions
	SuccessThreshold    int           `json:"success_threshold"`      // Successes in HALF_OPEN needed to close
	HalfOpenMaxAttempts int           `json:"half_open_max_attempts"` // Trial executions allowed in HALF_OPEN
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		FailureWindow:       60 * time.Second,
		RecoveryTimeout:     60 * time.Second,
		SuccessThreshold:    2,
		HalfOpenMaxAttempts: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	return c
}

// Verdict is the answer to CanExecute
type Verdict struct {
	Allowed bool         `json:"allowed"`
	State   BreakerState `json:"state"`
	Message string       `json:"message,omitempty"`
}

// Stats is a snapshot for status reporting
type Stats struct {
	State               BreakerState `json:"state"`
	RecentFailures      int          `json:"recent_failures"`
	SuccessesInHalfOpen int          `json:"successes_in_half_open"`
	HalfOpenAttempts    int          `json:"half_open_attempts"`
	LastFailureReason   string       `json:"last_failure_reason,omitempty"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitempty"`
	LastSuccessAt       time.Time    `json:"last_success_at,omitempty"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// Breaker guards one bot's broker calls. It opens after FailureThreshold
// failures inside FailureWindow and tries again after RecoveryTimeout.
type Breaker struct {
	config Config
	userID string
	botID  string
	bus    *events.EventBus
	now    func() time.Time

	mu                  sync.Mutex
	state               BreakerState
	failures            []time.Time
	successesInHalfOpen int
	halfOpenAttempts    int
	halfOpenedAt        time.Time
	lastFailureReason   string
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	openedAt            time.Time
	onStateChange       func(from, to BreakerState)
}

// NewBreaker creates a closed breaker. bus may be nil.
func NewBreaker(cfg Config, userID, botID string, bus *events.EventBus) *Breaker {
	return NewBreakerWithClock(cfg, userID, botID, bus, time.Now)
}

func NewBreakerWithClock(cfg Config, userID, botID string, bus *events.EventBus, now func() time.Time) *Breaker {
	return &Breaker{
		config: cfg.withDefaults(),
		userID: userID,
		botID:  botID,
		bus:    bus,
		now:    now,
		state:  StateClosed,
	}
}

// OnStateChange sets a callback invoked after every state change
func (b *Breaker) OnStateChange(handler func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

// RecordFailure registers a failed broker interaction
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()

	now := b.now()
	b.lastFailureReason = reason
	b.lastFailureAt = now
	b.failures = append(b.failures, now)
	b.pruneFailures(now)

	from := b.state
	switch {
	case b.state == StateHalfOpen:
		// Trial failed, back to OPEN with a fresh cooldown
		b.open(now)
	case b.state == StateClosed && len(b.failures) >= b.config.FailureThreshold:
		b.open(now)
	}
	to := b.state
	count := len(b.failures)
	b.mu.Unlock()

	if from != to {
		b.changed(from, to, map[string]interface{}{
			"reason":   reason,
			"failures": count,
		})
	}
}

// RecordSuccess registers a successful broker interaction
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	b.lastSuccessAt = b.now()
	from := b.state
	switch b.state {
	case StateHalfOpen:
		b.successesInHalfOpen++
		if b.successesInHalfOpen >= b.config.SuccessThreshold {
			b.reset()
		}
	case StateClosed:
		b.failures = nil
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.changed(from, to, map[string]interface{}{"reason": "recovered"})
	}
}

// CanExecute reports whether a cycle may call the broker. An OPEN breaker
// whose cooldown has elapsed moves to HALF_OPEN here.
func (b *Breaker) CanExecute() Verdict {
	b.mu.Lock()

	now := b.now()
	from := b.state
	var verdict Verdict

	switch b.state {
	case StateClosed:
		verdict = Verdict{Allowed: true, State: StateClosed}

	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.config.RecoveryTimeout {
			remaining := b.config.RecoveryTimeout - elapsed
			verdict = Verdict{
				Allowed: false,
				State:   StateOpen,
				Message: fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
					remaining.Round(time.Second), b.lastFailureReason),
			}
			break
		}
		b.state = StateHalfOpen
		b.successesInHalfOpen = 0
		b.halfOpenAttempts = 1
		b.halfOpenedAt = now
		verdict = Verdict{
			Allowed: true,
			State:   StateHalfOpen,
			Message: fmt.Sprintf("testing recovery (attempt 1/%d)", b.config.HalfOpenMaxAttempts),
		}

	case StateHalfOpen:
		// Trials that ended without a recorded result would otherwise pin
		// the breaker here, so the budget renews after another cooldown.
		if b.halfOpenAttempts >= b.config.HalfOpenMaxAttempts && now.Sub(b.halfOpenedAt) >= b.config.RecoveryTimeout {
			b.halfOpenAttempts = 0
			b.halfOpenedAt = now
		}
		if b.halfOpenAttempts >= b.config.HalfOpenMaxAttempts {
			verdict = Verdict{
				Allowed: false,
				State:   StateHalfOpen,
				Message: fmt.Sprintf("half-open trial limit reached (%d attempts)", b.config.HalfOpenMaxAttempts),
			}
			break
		}
		b.halfOpenAttempts++
		verdict = Verdict{
			Allowed: true,
			State:   StateHalfOpen,
			Message: fmt.Sprintf("testing recovery (attempt %d/%d)", b.halfOpenAttempts, b.config.HalfOpenMaxAttempts),
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.changed(from, to, map[string]interface{}{"reason": "recovery timeout elapsed"})
	}
	return verdict
}

// ForceReset manually closes the breaker and clears its history
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	from := b.state
	b.reset()
	b.lastFailureReason = ""
	b.mu.Unlock()

	if from != StateClosed {
		b.changed(from, StateClosed, map[string]interface{}{"reason": "manual_reset"})
	}
}

// GetState returns current breaker state
func (b *Breaker) GetState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns current statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneFailures(b.now())
	return Stats{
		State:               b.state,
		RecentFailures:      len(b.failures),
		SuccessesInHalfOpen: b.successesInHalfOpen,
		HalfOpenAttempts:    b.halfOpenAttempts,
		LastFailureReason:   b.lastFailureReason,
		LastFailureAt:       b.lastFailureAt,
		LastSuccessAt:       b.lastSuccessAt,
		OpenedAt:            b.openedAt,
	}
}

// caller must hold b.mu
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// caller must hold b.mu
func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.successesInHalfOpen = 0
	b.halfOpenAttempts = 0
}

// caller must hold b.mu
func (b *Breaker) reset() {
	b.state = StateClosed
	b.failures = nil
	b.successesInHalfOpen = 0
	b.halfOpenAttempts = 0
	b.openedAt = time.Time{}
}

func (b *Breaker) changed(from, to BreakerState, data map[string]interface{}) {
	b.mu.Lock()
	handler := b.onStateChange
	b.mu.Unlock()

	if handler != nil {
		handler(from, to)
	}

	var eventType events.EventType
	switch to {
	case StateOpen:
		eventType = events.EventCircuitOpened
	case StateHalfOpen:
		eventType = events.EventCircuitHalfOpen
	default:
		eventType = events.EventCircuitClosed
	}

	data["from"] = string(from)
	data["to"] = string(to)
	b.bus.Publish(events.Event{
		Type:   eventType,
		UserID: b.userID,
		BotID:  b.botID,
		Data:   data,
	})
}
