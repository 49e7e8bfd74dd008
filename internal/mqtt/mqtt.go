// Package mqtt provides MQTT publishing with abstraction for testing.
//
// The emitter publishes two kinds of messages: emitter events (sync, minute
// completion, drift) on the events topic at QoS 0, and system lifecycle
// events (startup, shutdown, heartbeat) on the system topic at QoS 1. A
// retained switch state topic mirrors the transmitter switch, and inbound
// ON/OFF commands arrive on the switch set topic.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/dcf77-emitter/internal/emitter"
)

// DefaultPrefix is the topic prefix used when the configuration leaves it
// empty.
const DefaultPrefix = "clock/dcf77"

// Topics is the topic set derived from a prefix.
type Topics struct {
	// Events carries emitter events, QoS 0.
	Events string
	// System carries lifecycle events, QoS 1.
	System string
	// SwitchSet receives inbound ON/OFF commands.
	SwitchSet string
	// SwitchState is the retained switch state.
	SwitchState string
}

// TopicsFor derives the topic set from prefix.
func TopicsFor(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{
		Events:      prefix + "/events",
		System:      prefix + "/system",
		SwitchSet:   prefix + "/switch/set",
		SwitchState: prefix + "/switch/state",
	}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishEvent sends an emitter event to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishEvent(event emitter.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// PublishSwitchState publishes the retained switch state.
	PublishSwitchState(on bool) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// CommandStream delivers inbound switch commands.
type CommandStream interface {
	// Commands returns the channel on which commands arrive. The channel
	// is never closed; malformed payloads are dropped before it.
	Commands() <-chan Command
}

// Command is an inbound transmitter switch command.
type Command struct {
	On  bool
	Raw string
}

// ParseCommand interprets a switch command payload. Accepted forms are
// ON/OFF, 1/0 and true/false, case insensitive.
func ParseCommand(payload []byte) (Command, bool) {
	raw := string(payload)
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ON", "1", "TRUE":
		return Command{On: true, Raw: raw}, true
	case "OFF", "0", "FALSE":
		return Command{On: false, Raw: raw}, true
	}
	return Command{}, false
}

// FormatSwitchState renders the retained switch state payload.
func FormatSwitchState(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp time.Time
	Event     string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason    string // e.g., "SIGTERM", "SIGINT" (shutdown only)

	// Config is attached to STARTUP events.
	Config *SystemConfig
	// Heartbeat is attached to HEARTBEAT events.
	Heartbeat *HeartbeatInfo
	// Network describes the host's network address when known.
	Network *NetworkInfo

	// RawPayload, if set, is published as-is instead of the formatted event.
	RawPayload []byte
	// Retained marks the message for broker retention.
	Retained bool
}

// SystemConfig is the configuration summary attached to startup events.
type SystemConfig struct {
	Frequency   string `json:"frequency"`
	TimeSource  string `json:"time_source"`
	TickMs      int    `json:"tick_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
}

// HeartbeatInfo is the liveness summary attached to heartbeat events.
type HeartbeatInfo struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	EventCounts   HeartbeatCounts `json:"event_counts"`
}

// HeartbeatCounts mirrors the engine's lifetime counters.
type HeartbeatCounts struct {
	Minutes         int `json:"minutes"`
	Resyncs         int `json:"resyncs"`
	Discontinuities int `json:"discontinuities"`
	SyncLosses      int `json:"sync_losses"`
	Outliers        int `json:"outliers"`
}

// NetworkInfo describes the host's network address.
type NetworkInfo struct {
	Interface string `json:"interface"`
	IP        string `json:"ip"`
}

// Payload represents the MQTT message payload structure for emitter events.
type Payload struct {
	Emitter EmitterPayload `json:"emitter"`
}

// EmitterPayload contains the emitter event details.
type EmitterPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	Second    int    `json:"second"`
	Time      string `json:"time,omitempty"`
	DriftMs   int64  `json:"drift_ms"`
}

// FormatEventPayload creates the JSON payload for an emitter event. The
// time field carries the civil time the transmitted frame was derived
// from, when the event has one.
func FormatEventPayload(event emitter.Event) ([]byte, error) {
	p := Payload{
		Emitter: EmitterPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     string(event.Type),
			Reason:    event.Reason,
			Second:    event.Second,
			DriftMs:   event.Drift.Milliseconds(),
		},
	}
	if event.Reading.Valid {
		r := event.Reading
		p.Emitter.Time = fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
			r.Year, r.Month, r.Day, r.Hour, r.Minute, r.Second)
	}
	return json.Marshal(p)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Reason    string         `json:"reason,omitempty"`
	Config    *SystemConfig  `json:"config,omitempty"`
	Heartbeat *HeartbeatInfo `json:"heartbeat,omitempty"`
	Network   *NetworkInfo   `json:"network,omitempty"`
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
			Config:    event.Config,
			Heartbeat: event.Heartbeat,
			Network:   event.Network,
		},
	}
	return json.Marshal(payload)
}
