package status

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	State         string       `json:"state"`
	Enabled       bool         `json:"enabled"`
	CarrierOn     bool         `json:"carrier_on"`
	Second        int          `json:"second"`
	Frame         string       `json:"frame"`
	Time          string       `json:"time,omitempty"`
	DST           bool         `json:"dst"`
	DriftMs       int64        `json:"drift_ms"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Windows       []string     `json:"windows,omitempty"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Minutes         int `json:"minutes"`
	Resyncs         int `json:"resyncs"`
	Discontinuities int `json:"discontinuities"`
	SyncLosses      int `json:"sync_losses"`
	Outliers        int `json:"outliers"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Interface string `json:"interface"`
	IP        string `json:"ip"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Frequency   string `json:"frequency"`
	TimeSource  string `json:"time_source"`
	TickMs      int64  `json:"tick_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	state := string(snap.Emitter.State)
	if state == "" {
		state = "UNKNOWN"
	}

	inner := StatusInner{
		State:         state,
		Enabled:       snap.Emitter.Enabled,
		CarrierOn:     snap.Emitter.CarrierOn,
		Second:        snap.Emitter.Second,
		Frame:         snap.Emitter.Frame.String(),
		DST:           snap.Emitter.Reading.DST,
		DriftMs:       snap.Emitter.DriftAccum.Milliseconds(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Minutes:         snap.Emitter.Counts.Minutes,
			Resyncs:         snap.Emitter.Counts.Resyncs,
			Discontinuities: snap.Emitter.Counts.Discontinuities,
			SyncLosses:      snap.Emitter.Counts.SyncLosses,
			Outliers:        snap.Emitter.Counts.Outliers,
		},
		Windows: snap.Windows,
		Config: ConfigJSON{
			Frequency:   snap.Config.Frequency,
			TimeSource:  snap.Config.TimeSource,
			TickMs:      snap.Config.TickMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}

	if r := snap.Emitter.Reading; r.Valid {
		inner.Time = fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
			r.Year, r.Month, r.Day, r.Hour, r.Minute, r.Second)
	}

	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Interface: snap.Network.Interface,
			IP:        snap.Network.IP,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
