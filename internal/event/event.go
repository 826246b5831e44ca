// Package event defines the canonical normalized event record that
// flows from Home Assistant and MQTT ingress through the event bus to
// automation actors. Event values are immutable once constructed.
package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Source identifies which external system an event originated from.
type Source string

const (
	SourceHomeAssistant Source = "home_assistant"
	SourceMQTT          Source = "mqtt"
	SourceREST          Source = "rest"
)

// Type classifies an event's payload shape.
type Type string

const (
	TypeStateChanged        Type = "state_changed"
	TypeServiceCalled       Type = "service_called"
	TypeAutomationTriggered Type = "automation_triggered"
	TypeUnknown             Type = "unknown"
)

// StateSnapshot is the old/new state shape carried on state_changed
// events. State is usually a plain string (Home Assistant's own
// state representation), but the MQTT normalizer stores
// map[string]any{"raw": "<text>"} here when a payload fails to parse
// as JSON, so State is typed any rather than string.
type StateSnapshot struct {
	State       any       `json:"state"`
	LastChanged time.Time `json:"last_changed"`
	LastUpdated time.Time `json:"last_updated"`
}

// Event is the canonical record produced by the normalizers (see
// internal/normalize) and published on the event bus. ID is unique
// within a process run. If EntityID contains a '.', Domain equals the
// substring before the first '.'.
type Event struct {
	ID         string
	Source     Source
	Type       Type
	Timestamp  time.Time
	EntityID   string
	Domain     string
	OldState   *StateSnapshot
	NewState   *StateSnapshot
	Attributes map[string]any
	Context    map[string]any
	Raw        json.RawMessage
}

// DomainFromEntityID returns the substring of entityID before the
// first '.', or "" if entityID contains no '.'.
func DomainFromEntityID(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return ""
}

var (
	haCounter   atomic.Int64
	mqttCounter atomic.Int64
)

// NextHAID returns the next "ha_<n>" identifier from a process-local
// monotonic counter. Used when an inbound HA event carries no id of
// its own.
func NextHAID() string {
	return "ha_" + strconv.FormatInt(haCounter.Add(1), 10)
}

// NextMQTTID returns the next "mqtt_<n>" identifier from a
// process-local monotonic counter.
func NextMQTTID() string {
	return "mqtt_" + strconv.FormatInt(mqttCounter.Add(1), 10)
}
