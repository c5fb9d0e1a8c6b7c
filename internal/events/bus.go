package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler receives events. Delivery is at-least-once within the process, so
// handlers must be idempotent. Handlers that do slow work should hand the
// event off to their own channel; the bus calls them inline. A handler may
// emit further events into its own topic: those are queued and delivered
// after the current event's handlers finish, keeping per-topic FIFO.
type Handler func(event *Event)

// Bus is the in-process publish/subscribe router. Delivery within one topic
// (the first dot-separated segment) preserves publication order; there is no
// ordering guarantee across topics.
type Bus struct {
	mu       sync.RWMutex
	exact    map[EventType][]Handler
	wildcard map[string][]Handler // topic prefix -> handlers ("carrier.*")

	topicMu sync.Mutex
	topics  map[string]*topicQueue
}

// topicQueue serializes delivery for one topic. Exactly one goroutine drains
// it at a time; emits that arrive mid-drain (including reentrant emits from a
// handler) are appended and delivered by the active drainer in order.
type topicQueue struct {
	mu       sync.Mutex
	pending  []*Event
	draining bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		exact:    make(map[EventType][]Handler),
		wildcard: make(map[string][]Handler),
		topics:   make(map[string]*topicQueue),
	}
}

// Subscribe registers a handler for an exact event type or a wildcard
// pattern like "carrier.*".
func (b *Bus) Subscribe(pattern EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := string(pattern)
	if strings.HasSuffix(p, ".*") {
		prefix := strings.TrimSuffix(p, ".*")
		b.wildcard[prefix] = append(b.wildcard[prefix], handler)
		return
	}
	b.exact[pattern] = append(b.exact[pattern], handler)
}

// Emit publishes an event to all matching subscribers. The payload map is
// shared; subscribers must not mutate it.
func (b *Bus) Emit(eventType EventType, source string, payload map[string]interface{}) {
	b.EmitEvent(&Event{
		Type:          eventType,
		Source:        source,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
	})
}

// EmitCorrelated publishes an event carrying an existing correlation id so
// downstream decisions can be traced back to the original trigger.
func (b *Bus) EmitCorrelated(eventType EventType, source, correlationID string, payload map[string]interface{}) {
	b.EmitEvent(&Event{
		Type:          eventType,
		Source:        source,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	})
}

// EmitEvent publishes a fully built event
func (b *Bus) EmitEvent(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}

	q := b.queueFor(event.Topic())
	q.mu.Lock()
	q.pending = append(q.pending, event)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		for _, h := range b.handlersFor(next) {
			h(next)
		}
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

func (b *Bus) handlersFor(event *Event) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := make([]Handler, 0, 4)
	handlers = append(handlers, b.exact[event.Type]...)
	handlers = append(handlers, b.wildcard[event.Topic()]...)
	return handlers
}

func (b *Bus) queueFor(topic string) *topicQueue {
	b.topicMu.Lock()
	defer b.topicMu.Unlock()

	q, ok := b.topics[topic]
	if !ok {
		q = &topicQueue{}
		b.topics[topic] = q
	}
	return q
}
