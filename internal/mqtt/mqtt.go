// Package mqtt publishes live inspection events with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// DefaultPrefix is the first topic level of every published topic.
const DefaultPrefix = "inspect"

// SensorTopic is the topic for sensor state changes of a structure.
func SensorTopic(prefix, structureID string) string {
	return prefix + "/" + structureID + "/sensors"
}

// SystemTopic is the topic for lifecycle, scan state and heartbeat events.
func SystemTopic(prefix, structureID string) string {
	return prefix + "/" + structureID + "/system"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishSensor sends a sensor state change to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishSensor(change logic.StateChange) error

	// PublishSystem sends a system event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventHeartbeat   = "HEARTBEAT"
	EventOffline     = "OFFLINE"
	EventReconnected = "RECONNECTED"
	EventScanState   = "SCAN_STATE"
)

// SystemEvent represents a system event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g., "SIGTERM" (shutdown) or the new scan state
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SensorPayload is the MQTT message payload for a sensor state change.
type SensorPayload struct {
	Sensor SensorPayloadInner `json:"sensor"`
}

// SensorPayloadInner contains the change details.
type SensorPayloadInner struct {
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Previous  string `json:"previous"`
	Alert     bool   `json:"alert"`
	SessionID string `json:"session_id,omitempty"`
}

// FormatSensorPayload creates the JSON payload for a sensor state change.
func FormatSensorPayload(change logic.StateChange) ([]byte, error) {
	payload := SensorPayload{
		Sensor: SensorPayloadInner{
			Timestamp: change.Timestamp.UTC().Format(time.RFC3339),
			ID:        change.SensorID,
			Name:      change.SensorName,
			State:     string(change.State.Normalize()),
			Previous:  string(change.Previous.Normalize()),
			Alert:     change.Alert(),
			SessionID: change.SessionID,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED, scan state) that don't carry a
// full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
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
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
