package pipeline

import (
	"sync"
)

// EventType identifies what happened to a job
type EventType string

const (
	// EventStarted is published once a job entered the processing state
	EventStarted EventType = "started"
	// EventFrame is published after each processed frame
	EventFrame EventType = "frame"
	// EventCompleted is published once a job reached the completed state
	EventCompleted EventType = "completed"
	// EventFailed is published once a job reached the failed state
	EventFailed EventType = "failed"
)

// Event carries a job update to bus subscribers
type Event struct {
	Type   EventType
	JobID  string
	Record *FrameRecord // Set for frame events
	Image  []byte       // Annotated JPEG, set for frame events
	Status JobStatus    // Snapshot of the job after the update
}

// EventBus provides pub/sub for job events
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	handler EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for events of all jobs.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler EventHandler) func() {
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

// Publish sends an event to all subscribers
func (b *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		// Handlers run synchronously so frame events arrive in order
		sub.handler.OnEvent(event)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		delete(b.subscribers, sub)
	}
}
