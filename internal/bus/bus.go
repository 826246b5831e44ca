// Package bus provides a topic-keyed publish/subscribe event bus.
// Events flow from the HA and MQTT connectors to subscribers (the
// state cache, automation actors). The bus is non-blocking for
// publishers: a slow subscriber drops events rather than stalling the
// producer or other subscribers.
package bus

import (
	"log/slog"
	"sync"

	"github.com/lukepetko/mirai/internal/event"
)

// Well-known topics used by the runtime.
const (
	TopicHAEvents   = "ha:events"
	TopicMQTTEvents = "mqtt:events"
)

// defaultBufSize is the per-subscriber channel buffer. Sized to absorb
// a short burst (e.g. a batch of state_changed events during HA
// startup) without dropping under normal automation processing speed.
const defaultBufSize = 64

// Bus is a non-blocking broadcast event bus keyed by topic.
// Subscribers on the same topic receive events in publish order; there
// is no ordering guarantee across topics. The zero value is not ready
// for use; construct with New.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[chan event.Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to its bidirectional form, and to the topic it was
	// registered under, so Unsubscribe can accept the caller's
	// <-chan view without an illegal type conversion.
	recvToSend map[<-chan event.Event]chan event.Event
	recvTopic  map[<-chan event.Event]string
}

// New creates a bus ready for use. A nil logger is replaced with
// slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:     logger,
		subs:       make(map[string]map[chan event.Event]struct{}),
		recvToSend: make(map[<-chan event.Event]chan event.Event),
		recvTopic:  make(map[<-chan event.Event]string),
	}
}

// Subscribe returns a channel receiving every event published to
// topic from this point forward. The caller must eventually call
// Unsubscribe to release the subscription and allow the channel to be
// garbage collected.
func (b *Bus) Subscribe(topic string) <-chan event.Event {
	ch := make(chan event.Event, defaultBufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan event.Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.recvToSend[ch] = ch
	b.recvTopic[ch] = topic

	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call more than once with the same channel, and safe to call with a
// channel this bus never issued (both are no-ops).
func (b *Bus) Unsubscribe(ch <-chan event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	topic := b.recvTopic[ch]
	delete(b.subs[topic], sendCh)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	delete(b.recvToSend, ch)
	delete(b.recvTopic, ch)
	close(sendCh)
}

// Publish delivers evt to every current subscriber of topic.
// Non-blocking: a subscriber whose buffer is full has the event
// dropped for it, with a warning logged, rather than stalling the
// publisher or other subscribers.
func (b *Bus) Publish(topic string, evt event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("event bus subscriber full, dropping event",
				"topic", topic, "event_id", evt.ID)
		}
	}
}

// SubscriberCount returns the number of active subscriptions for
// topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
