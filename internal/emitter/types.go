// Package emitter contains the tick scheduler that turns time readings into
// carrier modulation. The Engine is owned by the run loop goroutine and is
// not safe for concurrent use: time sources hand over snapshots, hardware
// writes go through injected drivers, and nothing in the tick path blocks.
package emitter

import (
	"time"

	"github.com/sweeney/dcf77-emitter/internal/telegram"
)

// SyncState tracks whether emission is aligned to the time source.
type SyncState string

const (
	SyncUnsynced SyncState = "UNSYNCED"
	SyncActive   SyncState = "ACTIVE"
)

// TickPhase names the role of a tick within the ten-tick second.
type TickPhase int

const (
	// PhaseSecondStart begins the amplitude drop when the slot carries a
	// pulse (tick 0).
	PhaseSecondStart TickPhase = iota
	// PhaseShortEnd restores the carrier after a 100ms pulse (tick 1).
	PhaseShortEnd
	// PhaseLongEnd restores the carrier after a 200ms pulse (tick 2).
	PhaseLongEnd
	// PhaseHold keeps the carrier steady (ticks 3-8).
	PhaseHold
	// PhaseWrap closes the ten-tick cycle and reports the completed minute
	// at slot 59 (tick 9).
	PhaseWrap
)

// String returns a name for logs.
func (p TickPhase) String() string {
	switch p {
	case PhaseSecondStart:
		return "second-start"
	case PhaseShortEnd:
		return "short-end"
	case PhaseLongEnd:
		return "long-end"
	case PhaseHold:
		return "hold"
	case PhaseWrap:
		return "wrap"
	}
	return "unknown"
}

// ticksPerSecond is fixed by the pulse grid: 100ms ticks, ten per second.
const ticksPerSecond = 10

// phaseAt maps a tick index (0-9) to its phase.
func phaseAt(tick int) TickPhase {
	switch tick {
	case 0:
		return PhaseSecondStart
	case 1:
		return PhaseShortEnd
	case 2:
		return PhaseLongEnd
	case ticksPerSecond - 1:
		return PhaseWrap
	}
	return PhaseHold
}

// EventType labels a scheduler event for reporting.
type EventType string

const (
	EventSyncAcquired   EventType = "SYNC_ACQUIRED"
	EventSyncLost       EventType = "SYNC_LOST"
	EventMinuteComplete EventType = "MINUTE_COMPLETE"
	EventResync         EventType = "DRIFT_RESYNC"
	EventDiscontinuity  EventType = "TIME_DISCONTINUITY"
)

// Reasons attached to SYNC_LOST events.
const (
	ReasonWatchdog = "WATCHDOG"
	ReasonDisabled = "DISABLED"
	ReasonResync   = "RESYNC"
)

// Event is a scheduler occurrence to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Reason    string
	Second    int
	Reading   telegram.Reading
	Drift     time.Duration
}

// Counts tracks scheduler events since startup.
type Counts struct {
	Minutes         int
	Resyncs         int
	Discontinuities int
	SyncLosses      int
	Outliers        int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    Counts
}

// Status is a point-in-time view of the engine for the status tracker.
type Status struct {
	State       SyncState
	Enabled     bool
	Second      int
	Tick        int
	CarrierOn   bool
	Frame       telegram.Frame
	Reading     telegram.Reading
	DriftAccum  time.Duration
	LastResync  time.Time
	Corrections int
	Counts      Counts
}

// Config holds the scheduler timing knobs.
type Config struct {
	// TickInterval is the base tick period. The pulse grid assumes 100ms.
	TickInterval time.Duration

	// SyncTimeout bounds the wait for a second change before starting
	// best-effort against a frozen but valid source.
	SyncTimeout time.Duration

	// Watchdog forces UNSYNCED after this long without a valid reading.
	Watchdog time.Duration

	// StatusInterval spaces the periodic debug log line.
	StatusInterval time.Duration

	Drift DriftConfig
}

// DriftConfig holds the drift compensator thresholds.
type DriftConfig struct {
	// MaxSane is the largest per-tick drift treated as clock drift rather
	// than a scheduling hiccup.
	MaxSane time.Duration

	// Threshold is the accumulated drift below which no correction happens.
	Threshold time.Duration

	// MaxCorrection caps the adjustment applied to a single interval.
	MaxCorrection time.Duration

	// ResyncInterval forces a periodic accumulator reset.
	ResyncInterval time.Duration

	// ResyncAccum forces a reset when the accumulator runs away.
	ResyncAccum time.Duration
}

// DefaultConfig returns the production timing values.
func DefaultConfig() Config {
	return Config{
		TickInterval:   100 * time.Millisecond,
		SyncTimeout:    5 * time.Second,
		Watchdog:       30 * time.Second,
		StatusInterval: 10 * time.Second,
		Drift: DriftConfig{
			MaxSane:        50 * time.Millisecond,
			Threshold:      5 * time.Millisecond,
			MaxCorrection:  30 * time.Millisecond,
			ResyncInterval: 600 * time.Second,
			ResyncAccum:    100 * time.Millisecond,
		},
	}
}
