// Package events is an in-process pub/sub broker nodes use to notify
// internal watchers (the Log behind the admin API's /events endpoint) of role and
// membership changes without coupling them directly to pkg/membership.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of cluster event.
type EventType string

const (
	EventRoleChanged       EventType = "role.changed"
	EventTermAdvanced      EventType = "term.advanced"
	EventPeerJoined        EventType = "peer.joined"
	EventPeerStatusChanged EventType = "peer.status_changed"
	EventPeerDropped       EventType = "peer.dropped"
	EventNeedsMigration    EventType = "node.needs_migration"
	EventMigrationComplete EventType = "migration.complete"
	EventWALCorrupt        EventType = "wal.corrupt"
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Log is a bounded subscriber that remembers the most recently published
// events, backing the admin API's recent-events view. It's the one real
// consumer of a Broker's subscribe side: everything else only publishes.
type Log struct {
	mu     sync.Mutex
	sub    Subscriber
	cap    int
	recent []Event
}

// NewLog subscribes to b and starts draining it into a ring buffer of at
// most capacity entries. Call Close when done to unsubscribe.
func NewLog(b *Broker, capacity int) *Log {
	l := &Log{sub: b.Subscribe(), cap: capacity}
	go l.run()
	return l
}

func (l *Log) run() {
	for ev := range l.sub {
		l.mu.Lock()
		l.recent = append(l.recent, *ev)
		if len(l.recent) > l.cap {
			l.recent = l.recent[len(l.recent)-l.cap:]
		}
		l.mu.Unlock()
	}
}

// Recent returns a copy of the events seen so far, oldest first.
func (l *Log) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.recent))
	copy(out, l.recent)
	return out
}

// Close unsubscribes the log from its broker, ending run's drain loop.
func (l *Log) Close(b *Broker) {
	b.Unsubscribe(l.sub)
}
