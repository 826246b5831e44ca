package automation

import (
	"context"
	"fmt"
)

// Capabilities is the set of runtime-provided operations an automation
// can perform from inside HandleEvent/HandleMessage: calling services,
// reading cached entity state, reading/writing the durable global
// store, and arming/canceling its own named timers. internal/runtime
// constructs one Capabilities per actor and attaches it to the context
// passed into every call, so an automation never holds a direct
// reference to the connectors or the KV store.
type Capabilities struct {
	CallServiceRaw   func(domain, service string, target, serviceData map[string]any) error
	GetStateRaw      func(entityID string) (state string, attributes map[string]any, ok bool)
	GetEntityAreaRaw func(entityID string) (area string, ok bool)
	GetGlobalRaw     func(key string, dst any) (ok bool, err error)
	SetGlobalRaw     func(key string, value any) error
	DeleteGlobalRaw  func(key string) error
	SetTimerRaw      func(name string, delaySeconds float64, payload any)
	CancelTimerRaw   func(name string)
}

type capabilitiesKey struct{}

// WithCapabilities returns a context carrying caps, for internal/runtime
// to attach before invoking an automation's callbacks.
func WithCapabilities(ctx context.Context, caps *Capabilities) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

func capsFrom(ctx context.Context) (*Capabilities, bool) {
	caps, ok := ctx.Value(capabilitiesKey{}).(*Capabilities)
	return caps, ok && caps != nil
}

// CallService invokes "domain.service" against data, extracting any of
// entity_id/device_id/area_id present in data into the HA target
// sub-object and forwarding the remainder as service_data. Returns an
// error without calling out if service is malformed or ctx carries no
// capabilities (e.g. called outside an automation callback).
func CallService(ctx context.Context, service string, data map[string]any) error {
	domain, name, err := SplitService(service)
	if err != nil {
		return err
	}
	caps, ok := capsFrom(ctx)
	if !ok {
		return fmt.Errorf("automation: CallService called outside a runtime-managed context")
	}
	target, serviceData := SplitTarget(data)
	return caps.CallServiceRaw(domain, name, target, serviceData)
}

// GetState returns the cached state and attributes for entityID, and
// whether it was found.
func GetState(ctx context.Context, entityID string) (state string, attributes map[string]any, ok bool) {
	caps, present := capsFrom(ctx)
	if !present {
		return "", nil, false
	}
	return caps.GetStateRaw(entityID)
}

// GetEntityArea returns the human-readable area name entityID is
// assigned to in Home Assistant's area/entity registries, and whether
// one was found. Supplemental metadata beyond the raw entity ID;
// absent for Home Assistant instances that don't expose registries or
// for entities with no area assignment.
func GetEntityArea(ctx context.Context, entityID string) (area string, ok bool) {
	caps, present := capsFrom(ctx)
	if !present {
		return "", false
	}
	return caps.GetEntityAreaRaw(entityID)
}

// GetGlobal decodes the value stored under key in the durable global
// store into dst, which must be a pointer.
func GetGlobal(ctx context.Context, key string, dst any) (ok bool, err error) {
	caps, present := capsFrom(ctx)
	if !present {
		return false, fmt.Errorf("automation: GetGlobal called outside a runtime-managed context")
	}
	return caps.GetGlobalRaw(key, dst)
}

// SetGlobal persists value under key in the durable global store.
func SetGlobal(ctx context.Context, key string, value any) error {
	caps, present := capsFrom(ctx)
	if !present {
		return fmt.Errorf("automation: SetGlobal called outside a runtime-managed context")
	}
	return caps.SetGlobalRaw(key, value)
}

// DeleteGlobal removes key from the durable global store.
func DeleteGlobal(ctx context.Context, key string) error {
	caps, present := capsFrom(ctx)
	if !present {
		return fmt.Errorf("automation: DeleteGlobal called outside a runtime-managed context")
	}
	return caps.DeleteGlobalRaw(key)
}

// SetTimer arms a named timer on the calling automation's own actor.
// Setting a timer under a name that already has one replaces it.
// delaySeconds may be fractional. A no-op if ctx carries no
// capabilities.
func SetTimer(ctx context.Context, name string, delaySeconds float64, payload any) {
	caps, present := capsFrom(ctx)
	if !present {
		return
	}
	caps.SetTimerRaw(name, delaySeconds, payload)
}

// CancelTimer cancels a named timer on the calling automation's own
// actor. A no-op if the name was never set or ctx carries no
// capabilities.
func CancelTimer(ctx context.Context, name string) {
	caps, present := capsFrom(ctx)
	if !present {
		return
	}
	caps.CancelTimerRaw(name)
}
