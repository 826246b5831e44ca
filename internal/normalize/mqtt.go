package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lukepetko/mirai/internal/event"
)

// MQTTMessage converts an inbound MQTT publish (topic plus raw
// payload bytes) into a canonical event.Event. If payload decodes as
// a JSON object, its fields populate Attributes and, if present, its
// "state" field becomes NewState.State. On decode failure, NewState.State
// and Attributes both become {"raw": <payload-as-text>}, so a
// malformed publish is still a usable state rather than a dropped
// message. Domain is always "mqtt" so automations can route on it the
// same way they route on HA domains.
func MQTTMessage(topic string, payload []byte) event.Event {
	now := time.Now().UTC()
	evt := event.Event{
		ID:        event.NextMQTTID(),
		Source:    event.SourceMQTT,
		Type:      event.TypeStateChanged,
		Timestamp: now,
		EntityID:  topic,
		Domain:    "mqtt",
		Raw:       json.RawMessage(payload),
	}

	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err == nil {
		evt.Attributes = attrs
		evt.NewState = &event.StateSnapshot{
			State:       attrs["state"],
			LastChanged: now,
			LastUpdated: now,
		}
	} else {
		raw := map[string]any{"raw": string(payload)}
		evt.Attributes = raw
		evt.NewState = &event.StateSnapshot{
			State:       raw,
			LastChanged: now,
			LastUpdated: now,
		}
	}

	return evt
}

// TopicSegments splits an MQTT topic into its '/'-delimited parts,
// discarding every empty segment, such as those produced by a stray
// leading or trailing slash or by a doubled slash.
func TopicSegments(topic string) []string {
	parts := strings.Split(topic, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
