package pod

import (
	"sync"
	"time"
)

// EventType names a lifecycle transition
type EventType string

const (
	EventCreated     EventType = "created"
	EventStarted     EventType = "started"
	EventStopped     EventType = "stopped"
	EventFailed      EventType = "failed"
	EventDeleted     EventType = "deleted"
	EventHealthCheck EventType = "health_check"
)

// Event is one lifecycle transition of one pod
type Event struct {
	Type      EventType
	PodID     string
	Timestamp time.Time
	Data      map[string]string
	Error     string
}

// subscriberBuffer bounds how far a subscriber can fall behind before it
// starts losing events
const subscriberBuffer = 16

// EventBus fans lifecycle events out to subscribers. Delivery never blocks:
// a subscriber that stops draining loses events rather than stalling pod
// operations.
type EventBus struct {
	mutex       sync.Mutex
	subscribers []chan Event
}

// NewEventBus creates an event bus with no subscribers
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a new subscriber and returns its channel
func (b *EventBus) Subscribe() <-chan Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	channel := make(chan Event, subscriberBuffer)
	b.subscribers = append(b.subscribers, channel)
	return channel
}

// Publish delivers the event to every subscriber that has room for it
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subscriber := range b.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}
