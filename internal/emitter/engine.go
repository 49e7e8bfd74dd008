package emitter

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/dcf77-emitter/internal/carrier"
	"github.com/sweeney/dcf77-emitter/internal/gpio"
	"github.com/sweeney/dcf77-emitter/internal/telegram"
	"github.com/sweeney/dcf77-emitter/internal/timesource"
)

// Engine sequences the pulse grid. Advance is called once per tick by the
// run loop; everything else flows through the injected handles.
type Engine struct {
	cfg Config
	car carrier.Driver
	led gpio.Line
	src timesource.Source
	log zerolog.Logger

	state   SyncState
	enabled bool

	second int // slot currently being emitted; follows the source's second
	tick   int // position within the second, 0-9

	frame        telegram.Frame
	frameReading telegram.Reading

	drift Drift

	lastValid   time.Time // when the source last produced a valid reading
	lastStatus  time.Time // when the periodic debug line last ran
	pollSecond  int       // second observed while waiting for sync, -1 before the first valid reading
	pollStarted time.Time

	startTime     time.Time
	lastHeartbeat time.Time
	counts        Counts
	carrierOn     bool
}

// New creates an engine in UNSYNCED state with emission disabled. The run
// loop arms it with SetEnabled once the gates (switch, transmit windows) are
// evaluated.
func New(cfg Config, car carrier.Driver, led gpio.Line, src timesource.Source, startTime time.Time, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		car:           car,
		led:           led,
		src:           src,
		log:           log,
		state:         SyncUnsynced,
		pollSecond:    -1,
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Advance executes one tick at now and returns the interval until the next
// tick plus any events to publish.
func (e *Engine) Advance(now time.Time) (time.Duration, []Event) {
	if !e.enabled {
		return e.cfg.TickInterval, nil
	}

	if e.state == SyncUnsynced {
		events := e.pollSync(now)
		if e.state == SyncUnsynced {
			return e.cfg.TickInterval, events
		}
		// Sync acquired on this tick. The first phase executes immediately
		// so the second-start drop lands on the observed boundary.
		interval, more := e.activeTick(now)
		return interval, append(events, more...)
	}

	return e.activeTick(now)
}

// pollSync waits for the source's second to change, which marks a second
// boundary. A source that is valid but frozen still starts emission after
// SyncTimeout, best effort.
func (e *Engine) pollSync(now time.Time) []Event {
	r := e.src.Now()
	if !r.Valid {
		e.pollSecond = -1
		return nil
	}

	if e.pollSecond == -1 {
		e.pollSecond = r.Second
		e.pollStarted = now
		return nil
	}

	if r.Second == e.pollSecond {
		if now.Sub(e.pollStarted) < e.cfg.SyncTimeout {
			return nil
		}
		e.log.Warn().
			Str("source", e.src.Name()).
			Dur("waited", now.Sub(e.pollStarted)).
			Msg("no second change observed, starting best effort")
	}

	return e.startEmission(r, now)
}

func (e *Engine) startEmission(r telegram.Reading, now time.Time) []Event {
	f, err := telegram.Encode(r)
	if err != nil {
		e.log.Warn().Err(err).Msg("source reading not encodable, waiting")
		e.pollSecond = -1
		return nil
	}

	e.frame = f
	e.frameReading = r
	e.second = clampSecond(r.Second)
	e.tick = 0
	e.state = SyncActive
	e.drift.Reset(now)
	e.lastValid = now
	e.lastStatus = now
	e.pollSecond = -1

	e.log.Info().
		Str("source", e.src.Name()).
		Int("second", e.second).
		Msg("time sync acquired")

	return []Event{{
		Timestamp: now,
		Type:      EventSyncAcquired,
		Second:    e.second,
		Reading:   r,
	}}
}

func (e *Engine) activeTick(now time.Time) (time.Duration, []Event) {
	if now.Sub(e.lastValid) > e.cfg.Watchdog {
		return e.cfg.TickInterval, e.loseSync(now, ReasonWatchdog)
	}

	var events []Event

	// The source owns the grid: its second is the slot being emitted. A
	// failed read skips the slot and the phase dispatch entirely, so the
	// carrier holds its level until readings return or the watchdog gives
	// up.
	if r := e.src.Now(); r.Valid {
		e.lastValid = now

		if actual := clampSecond(r.Second); actual != e.second {
			events = e.beginSecond(actual, r, now)
		}

		switch phaseAt(e.tick) {
		case PhaseSecondStart:
			// Pulse slots drop the carrier; the silent minute mark keeps it up.
			e.setCarrier(e.frame[e.second] == telegram.PulseSilent)
		case PhaseShortEnd:
			if e.frame[e.second] == telegram.PulseShort {
				e.setCarrier(true)
			}
		case PhaseLongEnd:
			e.setCarrier(true)
		case PhaseWrap:
			if e.second == 59 {
				e.counts.Minutes++
				events = append(events, Event{
					Timestamp: now,
					Type:      EventMinuteComplete,
					Second:    59,
					Reading:   e.frameReading,
					Drift:     e.drift.Accum,
				})
				e.log.Debug().
					Str("frame", e.frame.String()).
					Msg("minute complete")
			}
		}

		if phaseAt(e.tick) == PhaseWrap {
			e.tick = 0
		} else {
			e.tick++
		}
	}

	if now.Sub(e.lastStatus) >= e.cfg.StatusInterval {
		e.lastStatus = now
		e.log.Debug().
			Int("second", e.second).
			Dur("drift", e.drift.Accum).
			Int("minutes", e.counts.Minutes).
			Msg("emitting")
	}

	res := e.drift.Observe(now, e.cfg.TickInterval, e.cfg.Drift)
	if res.Outlier {
		e.counts.Outliers++
		e.log.Warn().
			Dur("drift", res.Drift).
			Msg("tick drift outlier discarded")
	}
	if res.Resynced {
		// The compensator gave up on the current phase. Drop back to
		// UNSYNCED and re-lock on a fresh second boundary.
		e.counts.Resyncs++
		events = append(events, Event{
			Timestamp: now,
			Type:      EventResync,
			Second:    e.second,
		})
		e.log.Info().Msg("forced resync, re-locking to a second boundary")
		return e.cfg.TickInterval, append(events, e.loseSync(now, ReasonResync)...)
	}
	if res.Corrected && e.drift.Corrections%10 == 0 {
		e.log.Debug().
			Dur("correction", res.Correction).
			Int("consecutive", e.drift.Corrections).
			Msg("drift correction")
	}

	return res.Interval, events
}

// beginSecond adopts an observed source second as the emitted slot: the tick
// phase restarts at the boundary and the frame is re-derived from the fresh
// reading, so a stepped clock or a DST switch is reflected within a second.
// A transition that is not one step forward also zeroes the drift
// accumulator, whose elapsed-time basis is no longer trustworthy.
func (e *Engine) beginSecond(actual int, r telegram.Reading, now time.Time) []Event {
	var events []Event

	if expected := (e.second + 1) % 60; actual != expected {
		e.drift.ZeroAccumulator()
		e.counts.Discontinuities++
		events = append(events, Event{
			Timestamp: now,
			Type:      EventDiscontinuity,
			Second:    actual,
			Reading:   r,
		})
		e.log.Warn().
			Int("expected", expected).
			Int("actual", actual).
			Msg("irregular second transition, realigning")
	}

	e.second = actual
	e.tick = 0

	f, err := telegram.Encode(r)
	if err != nil {
		e.log.Warn().Err(err).Msg("encode failed, keeping previous frame")
		return events
	}
	e.frame = f
	e.frameReading = r
	return events
}

func (e *Engine) loseSync(now time.Time, reason string) []Event {
	e.setCarrier(false)
	e.state = SyncUnsynced
	e.pollSecond = -1
	e.drift.Reset(now)
	e.counts.SyncLosses++

	e.log.Warn().
		Str("reason", reason).
		Msg("sync lost, carrier off")

	return []Event{{
		Timestamp: now,
		Type:      EventSyncLost,
		Reason:    reason,
		Second:    e.second,
	}}
}

// setCarrier drives the carrier and the indicator LED together. State is
// tracked so repeated phases cause no extra hardware writes.
func (e *Engine) setCarrier(on bool) {
	if e.carrierOn == on {
		return
	}
	e.carrierOn = on

	if on {
		if err := e.car.Enable(); err != nil {
			e.log.Error().Err(err).Msg("enable carrier")
		}
	} else {
		if err := e.car.Disable(); err != nil {
			e.log.Error().Err(err).Msg("disable carrier")
		}
	}
	if err := e.led.Set(on); err != nil {
		e.log.Error().Err(err).Msg("set led")
	}
}

// SetEnabled gates emission. Disabling while active forces the carrier off
// and drops sync; enabling arms the sync poll.
func (e *Engine) SetEnabled(on bool, now time.Time) []Event {
	if on == e.enabled {
		return nil
	}
	e.enabled = on

	if on {
		e.pollSecond = -1
		e.log.Info().Msg("emission enabled")
		return nil
	}

	e.log.Info().Msg("emission disabled")
	if e.state == SyncActive {
		return e.loseSync(now, ReasonDisabled)
	}
	e.setCarrier(false)
	return nil
}

// Enabled reports the gate state.
func (e *Engine) Enabled() bool { return e.enabled }

// Status returns a snapshot for the status tracker. Same-goroutine use only.
func (e *Engine) Status() Status {
	return Status{
		State:       e.state,
		Enabled:     e.enabled,
		Second:      e.second,
		Tick:        e.tick,
		CarrierOn:   e.carrierOn,
		Frame:       e.frame,
		Reading:     e.frameReading,
		DriftAccum:  e.drift.Accum,
		LastResync:  e.drift.LastResync,
		Corrections: e.drift.Corrections,
		Counts:      e.counts,
	}
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since
// the last heartbeat (or startup). Returns nil if the interval has not
// elapsed or if interval is <= 0 (disabled).
func (e *Engine) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if now.Sub(e.lastHeartbeat) < interval {
		return nil
	}

	e.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(e.startTime),
		Counts:    e.counts,
	}
}

// clampSecond folds the leap second notation (second 60) onto slot 59, which
// extends the silent minute mark.
func clampSecond(s int) int {
	if s >= 60 {
		return 59
	}
	return s
}
