// Package botstate tracks the lifecycle of a single bot.
package botstate

import (
	"sync"
	"time"

	"bot-execution-core/internal/events"

	"github.com/rs/zerolog"
)

// State is a bot lifecycle state
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateInTrade  State = "IN_TRADE"
	StateStopping State = "STOPPING"
	StateError    State = "ERROR"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StateIdle, StateStarting, StateRunning, StatePaused, StateInTrade, StateStopping, StateError,
}

// ValidTransitions lists the allowed targets for each state. ERROR is
// reachable from everywhere and is handled in CanTransition.
var ValidTransitions = map[State][]State{
	StateIdle:     {StateStarting, StateStopping},
	StateStarting: {StateRunning, StateStopping},
	StateRunning:  {StatePaused, StateInTrade, StateStopping},
	StatePaused:   {StateRunning, StateStopping},
	StateInTrade:  {StateRunning, StateStopping},
	StateStopping: {StateIdle},
	StateError:    {StateStopping}, // Manual recovery goes through a stop
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to State) bool {
	if to == StateError {
		_, known := ValidTransitions[from]
		return known && from != StateError
	}
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is a point-in-time copy of a machine
type Snapshot struct {
	CurrentState     State     `json:"current_state"`
	PreviousState    State     `json:"previous_state,omitempty"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	TransitionCount  int       `json:"transition_count"`
	ErrorCount       int       `json:"error_count"`
}

// Change is delivered to subscribers after every transition
type Change struct {
	UserID string
	BotID  string
	From   State
	To     State
	Reason string
	At     time.Time
	Forced bool
}

// Listener receives state changes on the goroutine that made the transition
type Listener func(Change)

// Machine is the state machine for one bot
type Machine struct {
	userID string
	botID  string
	logger zerolog.Logger
	bus    *events.EventBus
	now    func() time.Time

	mu        sync.RWMutex
	snap      Snapshot
	listeners map[uint64]Listener
	nextID    uint64
}

// New creates a machine in IDLE. bus may be nil.
func New(userID, botID string, logger zerolog.Logger, bus *events.EventBus) *Machine {
	return NewWithClock(userID, botID, logger, bus, time.Now)
}

func NewWithClock(userID, botID string, logger zerolog.Logger, bus *events.EventBus, now func() time.Time) *Machine {
	return &Machine{
		userID: userID,
		botID:  botID,
		logger: logger.With().Str("component", "botstate").Str("user_id", userID).Str("bot_id", botID).Logger(),
		bus:    bus,
		now:    now,
		snap: Snapshot{
			CurrentState:     StateIdle,
			LastTransitionAt: now(),
		},
		listeners: make(map[uint64]Listener),
	}
}

// Transition moves to the target state if the edge is legal. Illegal
// transitions are logged and return false.
func (m *Machine) Transition(to State, reason string) bool {
	return m.apply(to, reason, false)
}

// ForceTransition skips validation. Only ERROR and STOPPING are accepted as
// targets so that no caller can jump a bot back into trading.
func (m *Machine) ForceTransition(to State, reason string) bool {
	if to != StateError && to != StateStopping {
		m.logger.Warn().Str("to", string(to)).Str("reason", reason).Msg("Forced transition refused")
		return false
	}
	return m.apply(to, reason, true)
}

func (m *Machine) apply(to State, reason string, forced bool) bool {
	m.mu.Lock()
	from := m.snap.CurrentState
	if !forced && !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", reason).
			Msg("Invalid state transition")
		return false
	}

	now := m.now()
	m.snap.PreviousState = from
	m.snap.CurrentState = to
	m.snap.LastTransitionAt = now
	m.snap.TransitionCount++
	if to == StateError {
		m.snap.ErrorCount++
	}

	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Bool("forced", forced).
		Msg("State transition")

	change := Change{
		UserID: m.userID,
		BotID:  m.botID,
		From:   from,
		To:     to,
		Reason: reason,
		At:     now,
		Forced: forced,
	}
	for _, l := range listeners {
		l(change)
	}

	m.bus.Publish(events.Event{
		Type:      events.EventStateChanged,
		UserID:    m.userID,
		BotID:     m.botID,
		Timestamp: now,
		Data: map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
			"forced": forced,
		},
	})
	return true
}

// Subscribe registers l for every future change and returns its remover
func (m *Machine) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners[id] = l

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.CurrentState
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// CanExecuteTrades is true only while RUNNING
func (m *Machine) CanExecuteTrades() bool {
	return m.State() == StateRunning
}

func (m *Machine) IsInTrade() bool {
	return m.State() == StateInTrade
}
