// Package events provides a bounded publish/subscribe bus that decouples the
// decision path from subscriber availability. Publishing never blocks: each
// subscriber owns a fixed-size queue and the oldest unsent event is dropped
// on overflow.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventSignalExpired   EventType = "SIGNAL_EXPIRED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionUpdate  EventType = "POSITION_UPDATE"
	EventTierReached     EventType = "TIER_REACHED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventEmergencyExit   EventType = "EMERGENCY_EXIT"
	EventSourceFailover  EventType = "SOURCE_FAILOVER"
	EventSourceRecovered EventType = "SOURCE_RECOVERED"
	EventThresholdUpdate EventType = "THRESHOLD_UPDATE"
	EventFeedDegraded    EventType = "FEED_DEGRADED"
)

// Event is a system event with an arbitrary payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a registered consumer of bus events. Events arrive on C.
type Subscription struct {
	C chan Event

	types map[EventType]bool // nil means all types
	mu    sync.Mutex
}

func (s *Subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// offer enqueues without blocking; on a full queue the oldest event is
// evicted so subscribers always see the most recent activity.
func (s *Subscription) offer(e Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.C <- e:
			return dropped
		default:
			select {
			case <-s.C:
				dropped = true
			default:
			}
		}
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]bool
	queue   int
	dropped uint64
}

// NewBus creates a bus whose subscribers buffer up to queueSize events each.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:  make(map[*Subscription]bool),
		queue: queueSize,
	}
}

// Subscribe registers a consumer for the given event types; passing none
// subscribes to every event.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{C: make(chan Event, b.queue)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer. Its channel is not closed so late reads
// simply drain what was already queued.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers an event to all interested subscribers without blocking.
func (b *Bus) Publish(t EventType, data map[string]interface{}) {
	e := Event{Type: t, Timestamp: time.Now(), Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.wants(t) {
			if sub.offer(e) {
				b.dropped++
			}
		}
	}
}

// Dropped returns how many events were evicted from full subscriber queues.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
