package statecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lukepetko/mirai/internal/bus"
	"github.com/lukepetko/mirai/internal/event"
	"github.com/lukepetko/mirai/internal/haconn"
)

func TestGetMissing(t *testing.T) {
	c := New(nil)
	if _, ok := c.Get("light.kitchen"); ok {
		t.Error("expected missing entity to report ok=false")
	}
}

func TestApplyStateChanged(t *testing.T) {
	c := New(nil)
	c.apply(event.Event{
		Type:     event.TypeStateChanged,
		EntityID: "light.kitchen",
		NewState: &event.StateSnapshot{State: "on"},
	})

	got, ok := c.Get("light.kitchen")
	if !ok {
		t.Fatal("expected entity to be cached after apply")
	}
	if got.State != "on" {
		t.Errorf("State = %q, want on", got.State)
	}
}

func TestApplyIgnoresNonStateChanged(t *testing.T) {
	c := New(nil)
	c.apply(event.Event{
		Type:     event.TypeServiceCalled,
		EntityID: "light.kitchen",
		NewState: &event.StateSnapshot{State: "on"},
	})
	if _, ok := c.Get("light.kitchen"); ok {
		t.Error("non state_changed event should not populate the cache")
	}
}

func TestRunConsumesBusEvents(t *testing.T) {
	c := New(nil)
	b := bus.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx, b)
	}()

	b.Publish(bus.TopicHAEvents, event.Event{
		Type:     event.TypeStateChanged,
		EntityID: "switch.fan",
		NewState: &event.StateSnapshot{State: "on"},
	})

	deadline := time.After(time.Second)
	for {
		if s, ok := c.Get("switch.fan"); ok && s.State == "on" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cache to observe bus event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	wg.Wait()
}

func TestEntityFilterDropsNonMatchingEntity(t *testing.T) {
	c := New(nil, WithEntityFilter(NewEntityFilter([]string{"light.*"}, nil)))

	c.apply(event.Event{Type: event.TypeStateChanged, EntityID: "switch.fan", NewState: &event.StateSnapshot{State: "on"}})
	if _, ok := c.Get("switch.fan"); ok {
		t.Error("expected non-matching entity to be dropped by filter")
	}

	c.apply(event.Event{Type: event.TypeStateChanged, EntityID: "light.kitchen", NewState: &event.StateSnapshot{State: "on"}})
	if _, ok := c.Get("light.kitchen"); !ok {
		t.Error("expected matching entity to pass the filter")
	}
}

func TestEntityRateLimiterBlocksExcessUpdates(t *testing.T) {
	c := New(nil, WithRateLimiter(NewEntityRateLimiter(1)))

	c.apply(event.Event{Type: event.TypeStateChanged, EntityID: "light.kitchen", NewState: &event.StateSnapshot{State: "on"}})
	c.apply(event.Event{Type: event.TypeStateChanged, EntityID: "light.kitchen", NewState: &event.StateSnapshot{State: "off"}})

	got, ok := c.Get("light.kitchen")
	if !ok {
		t.Fatal("expected first update to be applied")
	}
	if got.State != "on" {
		t.Errorf("State = %q, want on (second update should have been rate limited)", got.State)
	}
}

func TestEntityFilterMatchNilIsPermissive(t *testing.T) {
	var f *EntityFilter
	if !f.Match("anything") {
		t.Error("nil filter should match everything")
	}
}

func TestEntityRateLimiterAllowNilIsPermissive(t *testing.T) {
	var r *EntityRateLimiter
	if !r.Allow("anything") {
		t.Error("nil limiter should allow everything")
	}
}

func TestGetEntityAreaMissingBeforeBootstrap(t *testing.T) {
	c := New(nil)
	if _, ok := c.GetEntityArea("light.kitchen"); ok {
		t.Error("expected no area assignment before bootstrap")
	}
}

func TestBootstrapPopulatesEntityArea(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states":
			w.Write([]byte(`[]`))
		case "/api/config/area_registry/list":
			w.Write([]byte(`[{"area_id": "kitchen", "name": "Kitchen"}]`))
		case "/api/config/entity_registry/list":
			w.Write([]byte(`[{"entity_id": "light.kitchen", "area_id": "kitchen"}]`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(nil)
	c.Bootstrap(context.Background(), haconn.NewRESTClient(srv.URL, "test-token"))

	area, ok := c.GetEntityArea("light.kitchen")
	if !ok || area != "Kitchen" {
		t.Errorf("GetEntityArea(light.kitchen) = (%q, %v), want (Kitchen, true)", area, ok)
	}
}

func TestAllReturnsSnapshot(t *testing.T) {
	c := New(nil)
	c.apply(event.Event{Type: event.TypeStateChanged, EntityID: "a", NewState: &event.StateSnapshot{State: "1"}})
	c.apply(event.Event{Type: event.TypeStateChanged, EntityID: "b", NewState: &event.StateSnapshot{State: "2"}})

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d entries, want 2", len(all))
	}
}
