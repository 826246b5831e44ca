// Package normalize converts raw Home Assistant and MQTT payloads into
// the canonical event.Event record published on the bus.
package normalize

import (
	"encoding/json"
	"time"

	"github.com/lukepetko/mirai/internal/event"
)

// haRawEvent mirrors the envelope Home Assistant sends on its event
// WebSocket stream.
type haRawEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   map[string]any  `json:"context"`
}

// haStateChangedData is the data payload of a state_changed event.
type haStateChangedData struct {
	EntityID string   `json:"entity_id"`
	OldState *haState `json:"old_state"`
	NewState *haState `json:"new_state"`
}

// haServiceCallData is the data payload of a call_service event.
type haServiceCallData struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

type haState struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// HAEvent converts a raw Home Assistant event frame (the JSON object
// found at message.event in a subscribe_events response) into a
// canonical event.Event. Unparseable data payloads still produce an
// Event of type Unknown carrying the raw bytes, rather than an error,
// so a single malformed frame never interrupts the stream.
func HAEvent(raw json.RawMessage) event.Event {
	var hev haRawEvent
	if err := json.Unmarshal(raw, &hev); err != nil {
		return event.Event{
			ID:        event.NextHAID(),
			Source:    event.SourceHomeAssistant,
			Type:      event.TypeUnknown,
			Timestamp: time.Now().UTC(),
			Raw:       raw,
		}
	}

	ts := hev.TimeFired
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	// Use the event's own id when it carries one, else a fresh
	// process-local counter value.
	var idField struct {
		ID json.Number `json:"id"`
	}
	var id string
	if json.Unmarshal(raw, &idField) == nil && idField.ID != "" {
		id = "ha_" + idField.ID.String()
	} else {
		id = event.NextHAID()
	}

	evt := event.Event{
		ID:        id,
		Source:    event.SourceHomeAssistant,
		Type:      haEventType(hev.EventType),
		Timestamp: ts,
		Context:   hev.Context,
		Raw:       raw,
	}

	switch evt.Type {
	case event.TypeStateChanged:
		var data haStateChangedData
		if err := json.Unmarshal(hev.Data, &data); err == nil {
			evt.EntityID = data.EntityID
			evt.Domain = event.DomainFromEntityID(data.EntityID)
			evt.OldState = toSnapshot(data.OldState)
			evt.NewState = toSnapshot(data.NewState)
			if data.NewState != nil {
				evt.Attributes = data.NewState.Attributes
			}
		}
	case event.TypeServiceCalled:
		var data haServiceCallData
		if err := json.Unmarshal(hev.Data, &data); err == nil {
			evt.Domain = data.Domain
			evt.Attributes = map[string]any{
				"service":      data.Service,
				"service_data": data.ServiceData,
			}
		}
	default:
		var generic map[string]any
		if err := json.Unmarshal(hev.Data, &generic); err == nil {
			if eid, ok := generic["entity_id"].(string); ok {
				evt.EntityID = eid
				evt.Domain = event.DomainFromEntityID(eid)
			}
			evt.Attributes = generic
		}
	}

	return evt
}

func haEventType(raw string) event.Type {
	switch raw {
	case "state_changed":
		return event.TypeStateChanged
	case "call_service":
		return event.TypeServiceCalled
	case "automation_triggered":
		return event.TypeAutomationTriggered
	default:
		return event.TypeUnknown
	}
}

func toSnapshot(s *haState) *event.StateSnapshot {
	if s == nil {
		return nil
	}
	return &event.StateSnapshot{
		State:       s.State,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
}
