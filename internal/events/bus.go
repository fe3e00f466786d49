package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotStarted          EventType = "BOT_STARTED"
	EventBotStopped          EventType = "BOT_STOPPED"
	EventStateChanged        EventType = "STATE_CHANGED"
	EventCircuitOpened       EventType = "CIRCUIT_OPENED"
	EventCircuitHalfOpen     EventType = "CIRCUIT_HALF_OPEN"
	EventCircuitClosed       EventType = "CIRCUIT_CLOSED"
	EventTradeOpened         EventType = "TRADE_OPENED"
	EventTradeSettled        EventType = "TRADE_SETTLED"
	EventTakeProfitHit       EventType = "TAKE_PROFIT_HIT"
	EventInsufficientBalance EventType = "INSUFFICIENT_BALANCE"
	EventLockModeChanged     EventType = "LOCK_MODE_CHANGED"
	EventError               EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	BotID     string                 `json:"bot_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events. It runs on the publisher's
// goroutine and must not block.
type Subscriber func(Event)

type subscription struct {
	id      uint64
	filter  EventType // empty = all events
	handler Subscriber
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  uint64
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a subscriber for a specific event type and returns
// the function that removes it
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) func() {
	return eb.add(eventType, subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) func() {
	return eb.add("", subscriber)
}

// SubscribeChan delivers matching events to a buffered channel. When the
// buffer is full the event is dropped for that subscriber and counted in
// Dropped. The returned function unsubscribes and closes the channel.
func (eb *EventBus) SubscribeChan(eventType EventType, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	unsubscribe := eb.add(eventType, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			eb.dropped.Add(1)
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

func (eb *EventBus) add(filter EventType, handler Subscriber) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, filter: filter, handler: handler})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s.id == id {
				eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish sends an event to all matching subscribers
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	targets := make([]Subscriber, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.filter == "" || s.filter == event.Type {
			targets = append(targets, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, handler := range targets {
		handler(event)
	}
}

// Dropped returns how many channel deliveries were dropped on full buffers
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// PublishBotStopped publishes the structured stop event for a bot
func (eb *EventBus) PublishBotStopped(userID, botID, reason, message string, metrics interface{}) {
	eb.Publish(Event{
		Type:   EventBotStopped,
		UserID: userID,
		BotID:  botID,
		Data: map[string]interface{}{
			"reason":  reason,
			"message": message,
			"metrics": metrics,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(userID, botID, source string, err error) {
	data := map[string]interface{}{
		"source": source,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:   EventError,
		UserID: userID,
		BotID:  botID,
		Data:   data,
	})
}
