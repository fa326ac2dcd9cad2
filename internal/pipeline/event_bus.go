package pipeline

import (
	"sync"
	"time"
)

// SessionStatus is the lifecycle state of a surveillance session
type SessionStatus string

const (
	SessionStandby SessionStatus = "STANDBY"
	SessionRunning SessionStatus = "RUNNING"
	SessionStopped SessionStatus = "STOPPED"
)

// TickEvent is published after every processed frame and on session transitions.
// Result and Frame are nil for pure status changes.
type TickEvent struct {
	Status    SessionStatus `json:"status"`
	Result    *TickResult   `json:"result,omitempty"`
	Frame     []byte        `json:"-"` // Annotated JPEG
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventBus provides pub/sub for tick events.
// Handlers run synchronously in publish order; channel subscribers
// drop events when their buffer is full.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channel chan *TickEvent
	handler TickHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler and returns an unsubscribe function
func (b *EventBus) Subscribe(handler TickHandler) func() {
	sub := &eventSubscription{handler: handler}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of tick events and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *TickEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *TickEvent, bufferSize)
	sub := &eventSubscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers an event to every subscriber
func (b *EventBus) Publish(event *TickEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler.OnTick(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
			}
		}
	}
}

// Close unsubscribes everyone and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
