package automation

import (
	"context"
	"testing"

	"github.com/lukepetko/mirai/internal/event"
)

type stubAutomation struct {
	name string
}

func (s stubAutomation) Name() string         { return s.name }
func (s stubAutomation) InitialState() any    { return nil }
func (s stubAutomation) HandleEvent(_ context.Context, _ event.Event, state any) (any, error) {
	return state, nil
}

func resetRegistry() {
	registryMu.Lock()
	registry = map[string]Registration{}
	registryMu.Unlock()
}

func TestRegisterAndAll(t *testing.T) {
	resetRegistry()

	Register(stubAutomation{name: "zeta"})
	Register(stubAutomation{name: "alpha"}, ScheduleDecl{Kind: KindEvery, Every: 60, Message: "tick"})

	all := All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d registrations, want 2", len(all))
	}
	if all[0].Automation.Name() != "alpha" || all[1].Automation.Name() != "zeta" {
		t.Errorf("All() order = [%s, %s], want [alpha, zeta]", all[0].Automation.Name(), all[1].Automation.Name())
	}
	if len(all[0].Schedules) != 1 {
		t.Errorf("alpha schedules = %d, want 1", len(all[0].Schedules))
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	resetRegistry()

	Register(stubAutomation{name: "dup"})

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register(stubAutomation{name: "dup"})
}

func TestScheduleID(t *testing.T) {
	decl := ScheduleDecl{Kind: KindDaily, Message: "wake"}
	if got := ScheduleID("morning", decl, 0); got != "morning/wake/0" {
		t.Errorf("ScheduleID = %q, want morning/wake/0", got)
	}
}

func TestSplitService(t *testing.T) {
	domain, name, err := SplitService("light.turn_on")
	if err != nil || domain != "light" || name != "turn_on" {
		t.Errorf("SplitService = (%q, %q, %v), want (light, turn_on, nil)", domain, name, err)
	}

	if _, _, err := SplitService("invalid"); err == nil {
		t.Error("expected error for service with no '.'")
	}
}

func TestSplitTarget(t *testing.T) {
	data := map[string]any{"entity_id": "light.kitchen", "brightness": 255}
	target, serviceData := SplitTarget(data)

	if target["entity_id"] != "light.kitchen" {
		t.Errorf("target entity_id = %v", target["entity_id"])
	}
	if _, ok := serviceData["entity_id"]; ok {
		t.Error("entity_id leaked into service_data")
	}
	if serviceData["brightness"] != 255 {
		t.Errorf("service_data brightness = %v", serviceData["brightness"])
	}
	// original untouched
	if _, ok := data["brightness"]; !ok {
		t.Error("SplitTarget must not mutate its input")
	}
}

func TestSplitTargetNoTargetKeys(t *testing.T) {
	target, serviceData := SplitTarget(map[string]any{"brightness": 10})
	if target != nil {
		t.Errorf("target = %v, want nil", target)
	}
	if serviceData["brightness"] != 10 {
		t.Errorf("service_data brightness = %v", serviceData["brightness"])
	}
}
