package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventPromptAssigned   EventType = "prompt.assigned"
	EventPromptCompleted  EventType = "prompt.completed"
	EventPromptFailed     EventType = "prompt.failed"
	EventPromptRetried    EventType = "prompt.retried"
	EventServiceStarted   EventType = "service.started"
	EventServiceFailed    EventType = "service.failed"
	EventServiceFatal     EventType = "service.fatal"
	EventServiceBackoff   EventType = "service.backoff"
	EventResourceExceeded EventType = "service.resource_exceeded"
	EventNodeDown         EventType = "node.down"
	EventNodeRecovered    EventType = "node.recovered"
	EventFailover         EventType = "cluster.failover"
)

// Severity grades an event for downstream notification sinks
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event represents a notification event
type Event struct {
	Type      EventType
	Severity  Severity
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publication is
// fire-and-forget: a full subscriber buffer drops the event rather than
// blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
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

// Publish publishes an event to all subscribers without blocking
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	select {
	case b.eventCh <- event:
	default:
		// Broker buffer full; notifications are best-effort
	}
}

// Warn publishes a warning-severity event
func (b *Broker) Warn(t EventType, msg string, metadata map[string]string) {
	b.Publish(&Event{Type: t, Severity: SeverityWarning, Message: msg, Metadata: metadata})
}

// Critical publishes a critical-severity event
func (b *Broker) Critical(t EventType, msg string, metadata map[string]string) {
	b.Publish(&Event{Type: t, Severity: SeverityCritical, Message: msg, Metadata: metadata})
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
