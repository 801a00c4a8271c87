// Package events carries run lifecycle notifications from the replay
// and optimizer layers to the API's websocket broadcaster without a
// direct dependency between them.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventRunStarted   EventType = "RUN_STARTED"
	EventRunProgress  EventType = "RUN_PROGRESS"
	EventRunFinished  EventType = "RUN_FINISHED"
	EventRunCanceled  EventType = "RUN_CANCELED"
	EventRunFailed    EventType = "RUN_FAILED"
	EventTradeOpened  EventType = "TRADE_OPENED"
	EventTradeClosed  EventType = "TRADE_CLOSED"
	EventContextAudit EventType = "CONTEXT_AUDIT"
	EventError        EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRunStarted publishes a run started event
func (eb *EventBus) PublishRunStarted(runID, symbol string, totalBars int) {
	eb.Publish(Event{
		Type: EventRunStarted,
		Data: map[string]interface{}{
			"run_id":     runID,
			"symbol":     symbol,
			"total_bars": totalBars,
		},
	})
}

// PublishRunProgress publishes a run progress event
func (eb *EventBus) PublishRunProgress(runID string, done, total int) {
	eb.Publish(Event{
		Type: EventRunProgress,
		Data: map[string]interface{}{
			"run_id": runID,
			"done":   done,
			"total":  total,
		},
	})
}

// PublishRunFinished publishes a run finished event
func (eb *EventBus) PublishRunFinished(runID string, trades int, returnPct float64, canceled bool) {
	typ := EventRunFinished
	if canceled {
		typ = EventRunCanceled
	}
	eb.Publish(Event{
		Type: typ,
		Data: map[string]interface{}{
			"run_id":     runID,
			"trades":     trades,
			"return_pct": returnPct,
		},
	})
}

// PublishRunFailed publishes a run failed event
func (eb *EventBus) PublishRunFailed(runID string, err error) {
	data := map[string]interface{}{"run_id": runID}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventRunFailed, Data: data})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(runID, symbol, reason string, pnl, pnlPercent float64) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"run_id":      runID,
			"symbol":      symbol,
			"exit_reason": reason,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
