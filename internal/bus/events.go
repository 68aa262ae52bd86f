package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/flyingrobots/blacklight/internal/logging"
)

// Topic is one of the three run.* notification streams spec.md §6's
// collaborators subscribe to (Info/Warn/Error). cmd/blacklightd subscribes
// a log handler to each; the indexer and migration runs do not publish on
// them, and no other package in this module does either.
type Topic int

const (
	TopicRunInfo Topic = iota
	TopicRunWarn
	TopicRunError
)

func (t Topic) String() string {
	switch t {
	case TopicRunInfo:
		return "run.info"
	case TopicRunWarn:
		return "run.warn"
	case TopicRunError:
		return "run.error"
	default:
		return "run.unknown"
	}
}

// Event represents a notification broadcast to subscribers (pub/sub pattern).
type Event struct {
	Topic     Topic
	Data      any
	Timestamp time.Time
	Source    Source
}

// EventHandler processes an event (no return value — fire and forget).
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

var (
	eventSubscriptions   = make(map[Topic][]subscription)
	eventSubscriptionsMu sync.RWMutex

	nextSubscriptionID uint64
)

// SubscribeEvent registers a handler for a topic, returning a
// SubscriptionID that UnsubscribeEvent later accepts.
func SubscribeEvent(topic Topic, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&nextSubscriptionID, 1))

	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	eventSubscriptions[topic] = append(eventSubscriptions[topic], subscription{id: id, handler: handler})
	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// UnsubscribeEvent removes a subscription by its ID, reporting whether it
// was found.
func UnsubscribeEvent(id SubscriptionID) bool {
	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	for topic, subs := range eventSubscriptions {
		for i, sub := range subs {
			if sub.id == id {
				eventSubscriptions[topic] = append(subs[:i], subs[i+1:]...)
				if len(eventSubscriptions[topic]) == 0 {
					delete(eventSubscriptions, topic)
				}
				L_debug("bus: event unsubscribed", "topic", topic, "subscriptionID", id)
				return true
			}
		}
	}
	return false
}

// PublishEvent broadcasts an event to all subscribers of the topic,
// attributed to SourceSystem.
func PublishEvent(topic Topic, data any) {
	PublishEventWithSource(topic, data, SourceSystem)
}

// PublishEventWithSource broadcasts an event with source information.
// Handlers run asynchronously, one goroutine per subscriber, so a slow or
// panicking subscriber never blocks or brings down the publisher.
func PublishEventWithSource(topic Topic, data any, source Source) {
	event := Event{Topic: topic, Data: data, Timestamp: time.Now(), Source: source}

	eventSubscriptionsMu.RLock()
	subs := eventSubscriptions[topic]
	subsCopy := make([]subscription, len(subs))
	copy(subsCopy, subs)
	eventSubscriptionsMu.RUnlock()

	if len(subsCopy) == 0 {
		L_debug("bus: event published (no subscribers)", "topic", topic)
		return
	}

	L_info("bus: event published", "topic", topic, "subscribers", len(subsCopy), "source", source)

	for _, sub := range subsCopy {
		go func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// CountEventSubscribers returns the number of subscribers for a topic.
func CountEventSubscribers(topic Topic) int {
	eventSubscriptionsMu.RLock()
	defer eventSubscriptionsMu.RUnlock()
	return len(eventSubscriptions[topic])
}
