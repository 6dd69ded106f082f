// Package events implements the run event stream: a non-blocking
// publish/subscribe broker carrying per-node progress, completion, and
// run-level outcome notifications out of the orchestrator.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of run event.
type EventType string

const (
	EventProgress     EventType = "run.progress"
	EventNodeComplete EventType = "run.node_complete"
	EventRunComplete  EventType = "run.complete"
)

// Event is one notification about a run in flight.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	RunID       string
	NodeID      string
	Progress    float64
	DurationMS  int64
	Success     bool
	Error       string
}

// Subscriber is a channel that receives events for runs the holder
// cares about.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publish never
// blocks the caller on a slow subscriber: a full subscriber buffer
// drops the event for that subscriber rather than stalling the run.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Progress is a convenience for publishing a progress update.
func (b *Broker) Progress(runID, nodeID string, progress float64) {
	b.Publish(&Event{Type: EventProgress, RunID: runID, NodeID: nodeID, Progress: progress})
}

// NodeComplete is a convenience for publishing a per-node completion.
func (b *Broker) NodeComplete(runID, nodeID string, durationMS int64) {
	b.Publish(&Event{Type: EventNodeComplete, RunID: runID, NodeID: nodeID, DurationMS: durationMS})
}

// RunComplete is a convenience for publishing a run's terminal outcome.
func (b *Broker) RunComplete(runID string, success bool, errMsg string) {
	b.Publish(&Event{Type: EventRunComplete, RunID: runID, Success: success, Error: errMsg})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
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
