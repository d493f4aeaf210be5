// Package bus provides the topic-addressed publish/subscribe channel that
// carries job status and output events to live observers.
//
// Delivery semantics are live-tail: a subscriber receives events published
// after it subscribed, in order, at most once. There is no replay and no
// backlog for late subscribers.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/logger"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// TopicGlobal carries cross-entity change notifications
	TopicGlobal = "global"
)

// EventType classifies an event on a job topic
type EventType string

const (
	EventStatus EventType = "status"
	EventOutput EventType = "output"
	EventChange EventType = "change" // global topic only
)

// Event is the serialized envelope published to a topic
type Event struct {
	JobID     string          `json:"job_id,omitempty"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Text      string          `json:"text,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewOutputEvent builds an output-chunk event for a job topic
func NewOutputEvent(jobID, chunk string) Event {
	return Event{
		JobID:     jobID,
		Type:      EventOutput,
		Text:      chunk,
		Timestamp: time.Now().Unix(),
	}
}

// NewStatusEvent builds a status-transition event for a job topic
func NewStatusEvent(jobID, status string) Event {
	return Event{
		JobID:     jobID,
		Type:      EventStatus,
		Text:      status,
		Timestamp: time.Now().Unix(),
	}
}

// Subscription is one subscriber's receive side of a topic.
// The caller owns the lifecycle and must call Unsubscribe when done;
// the channel is not closed by the bus (prevents double-close panics).
type Subscription struct {
	Topic string
	C     chan Event

	dropped atomic.Int64
}

// Dropped returns how many events this subscriber has lost to a full
// channel since subscribing.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans events out to per-topic subscribers
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	log    *zap.SugaredLogger
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		topics: make(map[string][]*Subscription),
		log:    logger.Get().Named("bus"),
	}
}

// Publish sends an event to every current subscriber of the topic.
// Fire-and-forget: a full subscriber channel drops the event for that
// subscriber rather than blocking the publisher. Drops are counted on the
// subscription and logged, so a slow consumer is visible.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[topic] {
		select {
		case sub.C <- ev:
			// Sent successfully
		default:
			dropped := sub.dropped.Add(1)
			b.log.Warnw("Dropped event for slow subscriber",
				"topic", topic,
				"event_type", ev.Type,
				"dropped_total", dropped)
		}
	}
}

// Subscribe registers a new subscriber on the topic.
// The returned channel is buffered to avoid stalling publishers.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Topic: topic,
		C:     make(chan Event, SubscriberChannelBufferSize),
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Unsubscribe removes a subscriber from its topic
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.Topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.Topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.Topic]) == 0 {
		delete(b.topics, sub.Topic)
	}
}

// SubscriberCount returns the number of current subscribers on a topic
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
