// Package events provides an in-process topic broker with bounded,
// non-blocking delivery, and a Server-Sent Events writer on top of it.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a single message published on a topic.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Subscription receives events for one topic until closed.
type Subscription struct {
	broker *Broker
	topic  string
	events chan Event
	once   sync.Once
}

// Events returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

// Broker fans events out to topic subscribers. A subscriber whose buffer is
// full misses the event rather than stalling the publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewBroker creates a Broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscription on topic.
func (b *Broker) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		broker: b,
		topic:  topic,
		events: make(chan Event, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber of topic and returns how many
// received it.
func (b *Broker) Publish(topic string, ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs[topic] {
		select {
		case sub.events <- ev:
			delivered++
		default:
			slog.Warn("Subscriber buffer full, dropping event", "topic", topic, "type", ev.Type)
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	close(sub.events)
}
