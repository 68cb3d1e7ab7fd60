package service

import (
	"context"
	"sync"
	"time"

	"github.com/skulumani/pupil/internal/logger"
)

// EventType represents the type of event
type EventType string

const (
	// System events
	EventTypeServiceStarted EventType = "service.started"
	EventTypeServiceStopped EventType = "service.stopped"
	EventTypeServiceError   EventType = "service.error"

	// Detection events
	EventTypeSessionStarted  EventType = "pupil.session_started"
	EventTypeFrameProcessed  EventType = "pupil.frame_processed"
	EventTypeSessionFinished EventType = "pupil.session_finished"
	EventTypeSettingsUpdated EventType = "pupil.settings_updated"
	EventTypeROIUpdated      EventType = "pupil.roi_updated"

	// Storage events
	EventTypeStorageWarning EventType = "storage.warning"
)

// Event represents an event in the system
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // Service that emitted the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventBus provides inter-service communication via events. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[EventType][]chan Event
	all         []chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe subscribes to events of a specific type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including ones first
// published after the call
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.all = append(eb.all, ch)
	return ch
}

// Publish publishes an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
		}
	}
	for _, sub := range eb.all {
		select {
		case sub <- event:
		default:
		}
	}
}

// Unsubscribe removes and closes a subscription made with Subscribe or
// SubscribeAll
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for eventType, subs := range eb.subscribers {
		for i, sub := range subs {
			if sub == ch {
				eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(sub)
				return
			}
		}
	}
	for i, sub := range eb.all {
		if sub == ch {
			eb.all = append(eb.all[:i], eb.all[i+1:]...)
			close(sub)
			return
		}
	}
}

// Close closes all subscriptions. Later publishes are dropped.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for eventType, subs := range eb.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(eb.subscribers, eventType)
	}
	for _, sub := range eb.all {
		close(sub)
	}
	eb.all = nil
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// SubscribeWithHandler calls handler for every event of eventType until ctx
// is done. Handler errors are logged.
func (eb *EventBus) SubscribeWithHandler(ctx context.Context, eventType EventType, handler EventHandler, log *logger.Logger) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	ch := eb.Subscribe(eventType)
	go func() {
		defer eb.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, event); err != nil {
					log.Warn("Event handler failed", "type", event.Type, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
