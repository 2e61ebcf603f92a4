// Package vevents provides an in-memory event broker for operator-visible
// state changes: replication degradation, role transitions, and storage
// corruption. It is not on any commit-critical path.
package vevents

import (
	"sync"
	"time"
)

// EventType identifies the kind of operator-visible event.
type EventType string

const (
	EventStandbyFailing     EventType = "standby.failing"
	EventStandbyCaughtUp    EventType = "standby.caught_up"
	EventStandbyDivergent   EventType = "standby.divergent"
	EventRoleChanged        EventType = "role.changed"
	EventReplicationTimeout EventType = "replication.timeout"
	EventStorageCorruption  EventType = "storage.corruption"
	EventCheckpointTaken    EventType = "checkpoint.taken"
)

// Event is a single notification published to subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out published events to all current subscribers.
// Publish never blocks the caller on a slow subscriber: a subscriber
// buffer that is full simply drops the event.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker. Call Start to begin distribution.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in a background goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber with a bounded buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for distribution, stamping Timestamp if unset.
func (b *Broker) Publish(evt *Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- evt:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case evt := <-b.eventCh:
			b.broadcast(evt)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(evt *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
