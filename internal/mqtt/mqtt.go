// Package mqtt publishes meter telemetry and lifecycle events over MQTT.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/flow-sensor/internal/telemetry"
)

// TopicPrefix is the root of every topic this node publishes to.
const TopicPrefix = "water/flow"

// Topics holds the per-device topic names.
type Topics struct {
	Telemetry string
	System    string
}

// TopicsFor derives topics from the device label, e.g.
// "water/flow/central/telemetry".
func TopicsFor(device string) Topics {
	d := strings.ToLower(strings.TrimSpace(device))
	d = strings.NewReplacer(" ", "-", "/", "-", "+", "-", "#", "-").Replace(d)
	if d == "" {
		d = "unnamed"
	}
	base := TopicPrefix + "/" + d
	return Topics{
		Telemetry: base + "/telemetry",
		System:    base + "/system",
	}
}

// Publisher publishes meter data to MQTT.
type Publisher interface {
	// PublishTelemetry sends one cycle's reading.
	// Returns error if publishing fails (should not stop the loop).
	PublishTelemetry(r telemetry.Record) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, reset).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "RESET"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload is the telemetry message envelope.
type Payload struct {
	Flow FlowPayload `json:"flow"`
}

// FlowPayload contains one reading.
type FlowPayload struct {
	Device      string  `json:"device"`
	Timestamp   string  `json:"timestamp"`
	TotalLiters float64 `json:"total_liters"`
	RateLPerDay float64 `json:"rate_l_per_day"`
	RateLPerMin float64 `json:"rate_l_per_min"`
	Pulses      uint32  `json:"pulses"`
	Level       string  `json:"level"`
	Position    string  `json:"position"`
}

// FormatPayload creates the JSON payload for a telemetry record.
func FormatPayload(r telemetry.Record) ([]byte, error) {
	payload := Payload{
		Flow: FlowPayload{
			Device:      r.Device,
			Timestamp:   r.Timestamp.UTC().Format(time.RFC3339),
			TotalLiters: r.TotalLiters,
			RateLPerDay: r.RateLPerDay,
			RateLPerMin: r.RateLPerMin,
			Pulses:      r.Pulses,
			Level:       string(r.Level),
			Position:    r.Position,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RESET) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Event:  event.Event,
			Reason: event.Reason,
		},
	}
	if !event.Timestamp.IsZero() {
		payload.System.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(payload)
}
