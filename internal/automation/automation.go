// Package automation defines the contract every automation implements
// and the explicit registry automations join at init time. The
// registry replaces dynamic filesystem or plugin scanning: each
// automation calls Register from its own init(), so the set of active
// automations is fixed and readable straight out of the source tree,
// and internal/runtime can read the full, stable set before starting
// any actors.
package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lukepetko/mirai/internal/event"
)

// Automation is the contract every registered automation implements.
// HandleEvent is invoked on the automation's own actor goroutine for
// every event delivered on its subscribed topics; it never needs its
// own synchronization.
type Automation interface {
	// Name uniquely identifies the automation for logging, mailbox
	// attribution, and schedule ownership.
	Name() string
	// InitialState returns the value used both as the starting state
	// and as the state restored after a supervised restart.
	InitialState() any
	// HandleEvent processes one normalized event against the current
	// state and returns the next state.
	HandleEvent(ctx context.Context, ev event.Event, state any) (any, error)
}

// MessageHandler is implemented by automations that also want to
// receive fired timers and fired schedules. It is type-asserted at
// dispatch time, so an automation that only cares about events can
// omit it entirely.
type MessageHandler interface {
	// HandleMessage processes a timer or schedule firing against the
	// current state and returns the next state.
	HandleMessage(ctx context.Context, msg Message, state any) (any, error)
}

// Message is delivered to HandleMessage when a named timer or a
// registered schedule fires. Name is the user-chosen identifier given
// to SetTimer or the Message field of a ScheduleDecl; Payload carries
// whatever the automation attached.
type Message struct {
	Name    string
	Payload any
}

// ScheduleDecl declares one of an automation's time-based triggers, as
// accepted by Register. It mirrors scheduler.Schedule but omits the
// fields internal/runtime fills in when it arms the schedule (ID,
// AutomationName).
type ScheduleDecl struct {
	Kind      ScheduleKind
	Message   any
	Time      string  // "HH:MM", for KindDaily
	Offset    float64 // seconds, for KindSunrise/KindSunset
	Every     float64 // seconds, for KindEvery
	Timezone  string
	Latitude  float64
	Longitude float64
}

// ScheduleKind mirrors scheduler.Kind without importing internal/scheduler,
// so the automation package has no dependency on the scheduler's
// timer-rearm internals — only on the vocabulary of trigger kinds.
type ScheduleKind string

const (
	KindDaily   ScheduleKind = "daily"
	KindSunrise ScheduleKind = "sunrise"
	KindSunset  ScheduleKind = "sunset"
	KindEvery   ScheduleKind = "every"
)

// Registration pairs a registered Automation with the schedules it
// declared at Register time.
type Registration struct {
	Automation Automation
	Schedules  []ScheduleDecl
}

// ScheduleID deterministically names the n-th schedule declaration of
// automation name: no UUID is needed since a schedule's identity is
// fully determined by its owning automation, its message, and its
// position in the declaration list.
func ScheduleID(automationName string, decl ScheduleDecl, index int) string {
	return fmt.Sprintf("%s/%v/%d", automationName, decl.Message, index)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Registration{}
)

// Register adds a to the registry along with any schedules it wants
// armed at startup. Panics if an automation with the same name is
// already registered — a name collision is a programming error caught
// at startup, not a runtime condition to recover from.
func Register(a Automation, schedules ...ScheduleDecl) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := a.Name()
	if _, exists := registry[name]; exists {
		panic("automation: duplicate registration for " + name)
	}
	registry[name] = Registration{Automation: a, Schedules: schedules}
}

// All returns every registration, sorted by automation name for
// deterministic startup ordering and logging.
func All() []Registration {
	registryMu.Lock()
	defer registryMu.Unlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Registration, len(names))
	for i, name := range names {
		out[i] = registry[name]
	}
	return out
}

// SplitService splits a "domain.service" identifier on its first '.',
// as accepted by CallService. Returns an error without a
// partial split if service contains no '.'.
func SplitService(service string) (domain, name string, err error) {
	i := strings.IndexByte(service, '.')
	if i < 0 {
		return "", "", fmt.Errorf("automation: invalid service %q, want \"domain.service\"", service)
	}
	return service[:i], service[i+1:], nil
}

// targetKeys are the data fields that CallService extracts into the HA
// "target" sub-object rather than forwarding them as service_data.
var targetKeys = []string{"entity_id", "device_id", "area_id"}

// SplitTarget extracts any of entity_id/device_id/area_id present in
// data into their own map and returns the remainder as service_data,
// matching call_service's "extract targeting keys from data" contract.
// data is not mutated.
func SplitTarget(data map[string]any) (target, serviceData map[string]any) {
	serviceData = make(map[string]any, len(data))
	for k, v := range data {
		serviceData[k] = v
	}

	for _, key := range targetKeys {
		if v, ok := serviceData[key]; ok {
			if target == nil {
				target = make(map[string]any)
			}
			target[key] = v
			delete(serviceData, key)
		}
	}
	return target, serviceData
}
