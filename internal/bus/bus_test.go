package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/lukepetko/mirai/internal/event"
)

func TestPublishSingleSubscriber(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(TopicHAEvents)
	defer b.Unsubscribe(ch)

	want := event.Event{
		ID:        "ha_1",
		Source:    event.SourceHomeAssistant,
		Type:      event.TypeStateChanged,
		Timestamp: time.Now(),
		EntityID:  "light.kitchen",
		Domain:    "light",
	}
	b.Publish(TopicHAEvents, want)

	select {
	case got := <-ch:
		if got.ID != want.ID || got.EntityID != want.EntityID {
			t.Errorf("got event %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishIsTopicScoped(t *testing.T) {
	b := New(nil)
	haCh := b.Subscribe(TopicHAEvents)
	mqttCh := b.Subscribe(TopicMQTTEvents)
	defer b.Unsubscribe(haCh)
	defer b.Unsubscribe(mqttCh)

	b.Publish(TopicHAEvents, event.Event{ID: "ha_1"})

	select {
	case got := <-haCh:
		if got.ID != "ha_1" {
			t.Errorf("got id %q, want ha_1", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on ha topic")
	}

	select {
	case got := <-mqttCh:
		t.Errorf("mqtt subscriber should not have received event, got %+v", got)
	default:
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New(nil)
	const n = 5
	channels := make([]<-chan event.Event, n)
	for i := range n {
		channels[i] = b.Subscribe(TopicHAEvents)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	evt := event.Event{ID: "ha_1", EntityID: "switch.fan"}
	b.Publish(TopicHAEvents, evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.ID != evt.ID {
				t.Errorf("subscriber %d: got %+v, want %+v", i, got, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(TopicHAEvents)
	defer b.Unsubscribe(ch)

	for i := 0; i < defaultBufSize+1; i++ {
		b.Publish(TopicHAEvents, event.Event{ID: "ha_overflow"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained != defaultBufSize {
				t.Errorf("drained %d events, want %d (one should have been dropped)", drained, defaultBufSize)
			}
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(TopicHAEvents)

	b.Unsubscribe(ch)

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestDoubleUnsubscribe(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(TopicHAEvents)

	b.Unsubscribe(ch)
	// Must not panic.
	b.Unsubscribe(ch)
}

func TestSubscriberCount(t *testing.T) {
	b := New(nil)

	if got := b.SubscriberCount(TopicHAEvents); got != 0 {
		t.Errorf("initial count = %d, want 0", got)
	}

	ch1 := b.Subscribe(TopicHAEvents)
	ch2 := b.Subscribe(TopicHAEvents)

	if got := b.SubscriberCount(TopicHAEvents); got != 2 {
		t.Errorf("after 2 subscribes = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	if got := b.SubscriberCount(TopicHAEvents); got != 1 {
		t.Errorf("after 1 unsubscribe = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	if got := b.SubscriberCount(TopicHAEvents); got != 0 {
		t.Errorf("after all unsubscribed = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New(nil)
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup

	ch := b.Subscribe(TopicMQTTEvents)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
			// Drain. Drops under load are expected and not asserted on.
		}
	}()

	var pubWg sync.WaitGroup
	for i := range publishers {
		pubWg.Add(1)
		go func(i int) {
			defer pubWg.Done()
			for j := range eventsPerPublisher {
				b.Publish(TopicMQTTEvents, event.Event{
					ID:        "mqtt_x",
					Timestamp: time.Now(),
					Attributes: map[string]any{
						"publisher": i,
						"seq":       j,
					},
				})
			}
		}(i)
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()
}

func TestPublishNoSubscribers(t *testing.T) {
	b := New(nil)
	b.Publish(TopicHAEvents, event.Event{ID: "ha_1"})
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(TopicHAEvents)
	b.Unsubscribe(ch)

	b.Publish(TopicHAEvents, event.Event{ID: "ha_1"})
}

func TestUnknownChannelUnsubscribeIsNoop(t *testing.T) {
	b := New(nil)
	foreign := make(chan event.Event)
	b.Unsubscribe(foreign)
}
