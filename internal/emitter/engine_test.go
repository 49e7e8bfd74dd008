package emitter

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/dcf77-emitter/internal/carrier"
	"github.com/sweeney/dcf77-emitter/internal/gpio"
	"github.com/sweeney/dcf77-emitter/internal/telegram"
	"github.com/sweeney/dcf77-emitter/internal/timesource"
)

// testRig bundles an enabled engine with its fakes.
type testRig struct {
	eng *Engine
	car *carrier.FakeDriver
	led *gpio.FakeLine
	src *timesource.FakeSource
}

func newRig(t *testing.T, at time.Time, r telegram.Reading) *testRig {
	t.Helper()
	car := carrier.NewFakeDriver()
	led := gpio.NewFakeLine()
	src := timesource.NewFakeSource(r)
	eng := New(DefaultConfig(), car, led, src, at, zerolog.Nop())
	eng.SetEnabled(true, at)
	return &testRig{eng: eng, car: car, led: led, src: src}
}

// syncedRig returns a rig already emitting r's second, with the first tick
// executed at the sync instant. The caller's reading must have Second >= 1.
// Returns the time of the next tick (the engine sits at tick 1).
func syncedRig(t *testing.T, r telegram.Reading) (*testRig, time.Time) {
	t.Helper()
	start := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)

	prev := r
	prev.Second--
	rig := newRig(t, start, prev)

	// First poll just records the source's second.
	if _, evs := rig.eng.Advance(start); len(evs) != 0 {
		t.Fatalf("unexpected events on first poll: %v", evs)
	}

	// The second changes: emission starts here.
	rig.src.Set(r)
	now := start.Add(100 * time.Millisecond)
	interval, evs := rig.eng.Advance(now)
	if len(evs) != 1 || evs[0].Type != EventSyncAcquired {
		t.Fatalf("expected SYNC_ACQUIRED, got %v", evs)
	}
	return rig, now.Add(interval)
}

// driveTicks runs n ticks from now without touching the source. The caller
// stages source changes between calls, the way the fakes see them arrive.
func (rig *testRig) driveTicks(now time.Time, n int) (time.Time, []Event) {
	var events []Event
	for i := 0; i < n; i++ {
		interval, evs := rig.eng.Advance(now)
		events = append(events, evs...)
		now = now.Add(interval)
	}
	return now, events
}

// driveClock runs n ticks, refreshing the source from each tick instant
// first. This is how every real source behaves: it reports the wall clock
// truncated to the second.
func (rig *testRig) driveClock(now time.Time, n int) (time.Time, []Event) {
	var events []Event
	for i := 0; i < n; i++ {
		rig.src.Set(telegram.FromTime(now))
		interval, evs := rig.eng.Advance(now)
		events = append(events, evs...)
		now = now.Add(interval)
	}
	return now, events
}

// clockRig polls a wall-clock-backed source until sync is acquired. Returns
// the time of the next tick (the engine sits at tick 1).
func clockRig(t *testing.T, start time.Time) (*testRig, time.Time) {
	t.Helper()
	rig := newRig(t, start, telegram.FromTime(start))
	now := start
	for i := 0; i < 30; i++ {
		rig.src.Set(telegram.FromTime(now))
		interval, evs := rig.eng.Advance(now)
		now = now.Add(interval)
		if len(eventsOfType(evs, EventSyncAcquired)) == 1 {
			return rig, now
		}
	}
	t.Fatal("engine never synced against the clock")
	return nil, time.Time{}
}

// advanceReading moves a reading forward one second, rolling minute, hour
// and date the way a real clock would.
func advanceReading(r *telegram.Reading) {
	tt := time.Date(r.Year, time.Month(r.Month), r.Day, r.Hour, r.Minute, r.Second, 0, time.UTC).Add(time.Second)
	valid, dst := r.Valid, r.DST
	*r = telegram.FromTime(tt)
	r.Valid, r.DST = valid, dst
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestEngineSyncsOnSecondChange(t *testing.T) {
	start := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 30,
		Valid: true,
	}
	rig := newRig(t, start, r)

	// First valid poll records the second.
	interval, evs := rig.eng.Advance(start)
	if interval != 100*time.Millisecond {
		t.Errorf("poll interval = %v, want 100ms", interval)
	}
	if len(evs) != 0 {
		t.Errorf("unexpected events: %v", evs)
	}
	if rig.eng.state != SyncUnsynced {
		t.Error("should still be unsynced after one poll")
	}

	// Same second: keep waiting.
	if _, evs := rig.eng.Advance(start.Add(100 * time.Millisecond)); len(evs) != 0 {
		t.Errorf("unexpected events while waiting: %v", evs)
	}

	// Second changes: this instant is the top of second 31.
	rig.src.Reading.Second = 31
	_, evs = rig.eng.Advance(start.Add(200 * time.Millisecond))
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Type != EventSyncAcquired || evs[0].Second != 31 {
		t.Errorf("event = %+v, want SYNC_ACQUIRED at second 31", evs[0])
	}
	if rig.eng.state != SyncActive {
		t.Error("should be active after sync")
	}
	if rig.eng.second != 31 || rig.eng.tick != 1 {
		t.Errorf("position = %d.%d, want 31.1 (first tick consumed)", rig.eng.second, rig.eng.tick)
	}

	// Announced minute is 30, so slot 31 (hour BCD bit 2 of 0x14) is a long
	// pulse: the carrier drops on the first tick.
	if rig.car.On {
		t.Error("carrier should be down during the pulse")
	}
	if len(rig.car.Ops) != 0 {
		t.Errorf("carrier was never up, expected no transitions, got %v", rig.car.Ops)
	}
}

func TestEngineLongPulseRestoresAfter200ms(t *testing.T) {
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 31,
		Valid: true,
	}
	rig, now := syncedRig(t, r)

	// Tick 1: a long pulse keeps the carrier down.
	interval, _ := rig.eng.Advance(now)
	if rig.car.On {
		t.Error("carrier should still be down 100ms into a long pulse")
	}
	now = now.Add(interval)

	// Tick 2: restore.
	rig.eng.Advance(now)
	if !rig.car.On {
		t.Error("carrier should be up 200ms into the second")
	}
	if len(rig.car.Ops) != 1 || rig.car.Ops[0] != "enable" {
		t.Errorf("ops = %v, want single enable", rig.car.Ops)
	}
	if !rig.led.On {
		t.Error("led should mirror the carrier")
	}
}

func TestEngineShortPulseRestoresAfter100ms(t *testing.T) {
	// Announced minute 30 makes slot 21 (minute BCD bit 0) a short pulse.
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 21,
		Valid: true,
	}
	rig, now := syncedRig(t, r)

	if rig.car.On {
		t.Fatal("carrier should be down during the pulse")
	}

	// Tick 1 ends a short pulse.
	interval, _ := rig.eng.Advance(now)
	if !rig.car.On {
		t.Error("carrier should be up 100ms into a short pulse second")
	}
	now = now.Add(interval)

	// Tick 2 must not toggle anything.
	rig.eng.Advance(now)
	if len(rig.car.Ops) != 1 {
		t.Errorf("ops = %v, want single enable", rig.car.Ops)
	}
}

// TestEngineFollowsWallClockSource drives the engine from a simulated wall
// clock, which is what every real source reports: the current time truncated
// to the second. The emitted slot must track the source second exactly, with
// no realignment and no discontinuities after sync.
func TestEngineFollowsWallClockSource(t *testing.T) {
	start := time.Date(2026, 8, 25, 14, 29, 56, 950000000, time.UTC)
	rig, now := clockRig(t, start)

	var all []Event
	for i := 0; i < 600; i++ {
		rig.src.Set(telegram.FromTime(now))
		interval, evs := rig.eng.Advance(now)
		all = append(all, evs...)
		if rig.eng.second != rig.src.Reading.Second {
			t.Fatalf("tick %d: slot %d while the source reports second %d",
				i, rig.eng.second, rig.src.Reading.Second)
		}
		if rig.src.Reading.Second == 59 && !rig.car.On {
			t.Fatalf("tick %d: carrier down during the minute mark", i)
		}
		now = now.Add(interval)
	}

	if n := len(eventsOfType(all, EventDiscontinuity)); n != 0 {
		t.Errorf("%d discontinuities on a healthy clock", n)
	}
	if n := len(eventsOfType(all, EventSyncLost)); n != 0 {
		t.Errorf("%d sync losses on a healthy clock", n)
	}
	if n := len(eventsOfType(all, EventMinuteComplete)); n != 1 {
		t.Errorf("minutes completed = %d, want 1", n)
	}
}

func TestEngineMinuteMarkAndReencode(t *testing.T) {
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 58,
		Valid: true,
	}
	rig, now := syncedRig(t, r)

	// Finish second 58. The source has not moved on yet, so neither has the
	// slot.
	now, evs := rig.driveTicks(now, 9)
	if len(eventsOfType(evs, EventMinuteComplete)) != 0 {
		t.Fatal("no minute should complete during second 58")
	}
	if rig.eng.second != 58 {
		t.Fatalf("second = %d, want 58", rig.eng.second)
	}

	// Second 59 is the silent minute mark: the carrier stays up the whole
	// second, so no transitions are recorded, and the wrap reports the
	// completed minute.
	opsBefore := len(rig.car.Ops)
	advanceReading(&rig.src.Reading)
	now, evs = rig.driveTicks(now, 10)
	if len(rig.car.Ops) != opsBefore {
		t.Errorf("carrier toggled during the minute mark: %v", rig.car.Ops[opsBefore:])
	}

	minutes := eventsOfType(evs, EventMinuteComplete)
	if len(minutes) != 1 {
		t.Fatalf("expected 1 MINUTE_COMPLETE, got %d", len(minutes))
	}
	if minutes[0].Second != 59 {
		t.Errorf("minute event second = %d, want 59", minutes[0].Second)
	}
	if minutes[0].Reading.Minute != 29 {
		t.Errorf("minute event reading minute = %d, want 29", minutes[0].Reading.Minute)
	}
	if rig.eng.counts.Minutes != 1 {
		t.Errorf("minute count = %d, want 1", rig.eng.counts.Minutes)
	}

	// The observed rollover into second 0 re-derives the frame from
	// 14:30:00, announcing minute 31 (BCD 0x31), so the minute field begins
	// with a 1 bit.
	advanceReading(&rig.src.Reading)
	now, evs = rig.driveTicks(now, 10)
	if len(eventsOfType(evs, EventDiscontinuity)) != 0 {
		t.Fatal("a clean 59 to 0 rollover is not a discontinuity")
	}
	if rig.eng.second != 0 {
		t.Fatalf("second = %d, want 0", rig.eng.second)
	}
	if got := rig.eng.frame.String()[21:28]; got != "1000110" {
		t.Errorf("minute field = %s, want 1000110 (announcing 31)", got)
	}
}

func TestEngineWatchdogForcesUnsynced(t *testing.T) {
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 30,
		Valid: true,
	}
	rig, now := syncedRig(t, r)

	// A few healthy seconds first.
	now, _ = rig.driveTicks(now, 9)
	for s := 0; s < 2; s++ {
		advanceReading(&rig.src.Reading)
		now, _ = rig.driveTicks(now, 10)
	}
	if rig.eng.state != SyncActive {
		t.Fatal("engine should be active")
	}

	// The source dies. The grid freezes on the slot it was emitting,
	// holding the carrier level, until the watchdog expires 30s later.
	rig.src.Reading.Valid = false
	wasOn := rig.car.On
	opsBefore := len(rig.car.Ops)
	now, evs := rig.driveTicks(now, 100)
	if len(evs) != 0 {
		t.Fatalf("dead source should freeze the grid silently, got %v", evs)
	}
	if rig.eng.second != 32 {
		t.Errorf("slot advanced without readings: %d, want 32", rig.eng.second)
	}
	if rig.car.On != wasOn || len(rig.car.Ops) != opsBefore {
		t.Error("carrier level should hold while readings fail")
	}

	now, evs = rig.driveTicks(now, 210)
	lost := eventsOfType(evs, EventSyncLost)
	if len(lost) != 1 {
		t.Fatalf("expected 1 SYNC_LOST, got %d", len(lost))
	}
	if lost[0].Reason != ReasonWatchdog {
		t.Errorf("reason = %s, want %s", lost[0].Reason, ReasonWatchdog)
	}
	if rig.eng.state != SyncUnsynced {
		t.Error("state should be UNSYNCED after watchdog")
	}
	if rig.car.On {
		t.Error("carrier should be off after watchdog")
	}
	if rig.led.On {
		t.Error("led should be off after watchdog")
	}
	if rig.eng.counts.SyncLosses != 1 {
		t.Errorf("sync loss count = %d, want 1", rig.eng.counts.SyncLosses)
	}

	// With the source still invalid nothing more happens.
	opsBefore = len(rig.car.Ops)
	_, evs = rig.driveTicks(now, 50)
	if len(evs) != 0 {
		t.Errorf("unexpected events while idle: %v", evs)
	}
	if len(rig.car.Ops) != opsBefore {
		t.Error("carrier should stay untouched while idle")
	}
}

func TestEngineDisableStopsEmission(t *testing.T) {
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 30,
		Valid: true,
	}
	rig, now := syncedRig(t, r)
	now, _ = rig.driveTicks(now, 15)

	evs := rig.eng.SetEnabled(false, now)
	if len(evs) != 1 || evs[0].Type != EventSyncLost || evs[0].Reason != ReasonDisabled {
		t.Fatalf("expected SYNC_LOST/%s, got %v", ReasonDisabled, evs)
	}
	if rig.car.On || rig.led.On {
		t.Error("carrier and led should be off after disable")
	}
	if rig.eng.Enabled() {
		t.Error("Enabled() should report false")
	}

	// Disabled ticks do nothing.
	opsBefore, histBefore := len(rig.car.Ops), len(rig.led.History)
	interval, tickEvs := rig.eng.Advance(now)
	if interval != 100*time.Millisecond || len(tickEvs) != 0 {
		t.Errorf("disabled tick: interval %v, events %v", interval, tickEvs)
	}
	now, evs = rig.driveTicks(now, 20)
	if len(evs) != 0 || len(rig.car.Ops) != opsBefore || len(rig.led.History) != histBefore {
		t.Error("disabled engine must not touch hardware or emit events")
	}

	// Idempotent disable.
	if evs := rig.eng.SetEnabled(false, now); evs != nil {
		t.Errorf("repeated disable returned events: %v", evs)
	}

	// Re-enable and resync on the next second change.
	rig.eng.SetEnabled(true, now)
	rig.eng.Advance(now)
	advanceReading(&rig.src.Reading)
	_, evs = rig.eng.Advance(now.Add(100 * time.Millisecond))
	if len(eventsOfType(evs, EventSyncAcquired)) != 1 {
		t.Errorf("expected resync after enable, got %v", evs)
	}
}

func TestEngineDisableWhileUnsynced(t *testing.T) {
	start := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	r := telegram.Reading{Valid: false}
	rig := newRig(t, start, r)

	evs := rig.eng.SetEnabled(false, start)
	if len(evs) != 0 {
		t.Errorf("disable before sync should not emit events: %v", evs)
	}
	if len(rig.car.Ops) != 0 {
		t.Errorf("carrier was never on, expected no transitions: %v", rig.car.Ops)
	}
}

func TestEngineDiscontinuityZeroesAccumulatorOnce(t *testing.T) {
	// Source seconds 10, 11, 13: the skip must zero the accumulator exactly
	// once and leave the engine active.
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 10,
		Valid: true,
	}
	rig, now := syncedRig(t, r)

	// Second 10 completes, then the source moves to 11: a clean one step
	// transition.
	now, evs := rig.driveTicks(now, 9)
	advanceReading(&rig.src.Reading)
	now, evs = rig.driveTicks(now, 10)
	if len(eventsOfType(evs, EventDiscontinuity)) != 0 {
		t.Fatal("no discontinuity expected yet")
	}
	if rig.eng.second != 11 {
		t.Fatalf("second = %d, want 11", rig.eng.second)
	}

	// The source skips second 12. Pending drift must be dropped with it.
	rig.eng.drift.Accum = 40 * time.Millisecond
	rig.src.Reading.Second = 13
	_, evs = rig.eng.Advance(now)

	disc := eventsOfType(evs, EventDiscontinuity)
	if len(disc) != 1 {
		t.Fatalf("expected 1 TIME_DISCONTINUITY, got %d", len(disc))
	}
	if disc[0].Second != 13 {
		t.Errorf("event second = %d, want 13", disc[0].Second)
	}
	if rig.eng.second != 13 {
		t.Errorf("engine second = %d, want 13 (adopted)", rig.eng.second)
	}
	if rig.eng.state != SyncActive {
		t.Error("discontinuity must not drop sync")
	}
	if rig.eng.drift.Accum != 0 {
		t.Errorf("accumulator = %v, want 0", rig.eng.drift.Accum)
	}
	if rig.eng.counts.Discontinuities != 1 {
		t.Errorf("discontinuity count = %d, want 1", rig.eng.counts.Discontinuities)
	}

	// Seconds line up again: no further discontinuities.
	now = now.Add(100 * time.Millisecond)
	now, evs = rig.driveTicks(now, 9)
	all := evs
	for s := 0; s < 3; s++ {
		advanceReading(&rig.src.Reading)
		now, evs = rig.driveTicks(now, 10)
		all = append(all, evs...)
	}
	if len(eventsOfType(all, EventDiscontinuity)) != 0 {
		t.Error("accumulator should be zeroed exactly once")
	}
}

func TestEngineBestEffortStartAfterTimeout(t *testing.T) {
	// A valid source whose second never changes (coarse or frozen clock)
	// still starts emission after the sync timeout.
	start := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 30,
		Valid: true,
	}
	rig := newRig(t, start, r)

	now := start
	for i := 0; i < 50; i++ {
		_, evs := rig.eng.Advance(now)
		if len(evs) != 0 {
			t.Fatalf("tick %d (%v): unexpected events %v", i, now.Sub(start), evs)
		}
		now = now.Add(100 * time.Millisecond)
	}

	// At 5.0s the wait gives up and starts on the frozen reading.
	_, evs := rig.eng.Advance(now)
	if len(eventsOfType(evs, EventSyncAcquired)) != 1 {
		t.Fatalf("expected best effort sync at 5s, got %v", evs)
	}
	if rig.eng.second != 30 {
		t.Errorf("second = %d, want 30", rig.eng.second)
	}

	// Emission proceeds on the frozen reading: the slot repeats quietly
	// instead of manufacturing transitions the source never showed.
	now = now.Add(100 * time.Millisecond)
	_, evs = rig.driveTicks(now, 300)
	if len(evs) != 0 {
		t.Fatalf("frozen source should emit quietly, got %v", evs)
	}
	if rig.eng.state != SyncActive || rig.eng.second != 30 {
		t.Errorf("engine at %s slot %d, want ACTIVE slot 30", rig.eng.state, rig.eng.second)
	}
}

func TestEngineIdleWithInvalidSource(t *testing.T) {
	start := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	rig := newRig(t, start, telegram.Reading{Valid: false})

	now := start
	for i := 0; i < 100; i++ {
		interval, evs := rig.eng.Advance(now)
		if interval != 100*time.Millisecond || len(evs) != 0 {
			t.Fatalf("tick %d: interval %v, events %v", i, interval, evs)
		}
		now = now.Add(interval)
	}

	if rig.eng.state != SyncUnsynced {
		t.Error("should stay unsynced without valid readings")
	}
	if len(rig.car.Ops) != 0 || len(rig.led.History) != 0 {
		t.Error("hardware must stay untouched without sync")
	}
}

func TestEngineFrameFollowsSourceJump(t *testing.T) {
	// A stepped clock with continuous seconds (minute jump) does not count
	// as a discontinuity but must be reflected in the next frame.
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 30,
		Valid: true,
	}
	rig, now := syncedRig(t, r)
	now, _ = rig.driveTicks(now, 9)

	// NTP steps the clock forward a quarter hour between seconds; the
	// second sequence stays continuous.
	advanceReading(&rig.src.Reading)
	rig.src.Reading.Minute = 45

	_, evs := rig.driveTicks(now, 10)
	if len(eventsOfType(evs, EventDiscontinuity)) != 0 {
		t.Error("aligned seconds should not report a discontinuity")
	}
	if rig.eng.second != 31 {
		t.Fatalf("second = %d, want 31", rig.eng.second)
	}
	// Announcing minute 46 (BCD 0x46).
	if got := rig.eng.frame.String()[21:28]; got != "0110001" {
		t.Errorf("minute field = %s, want 0110001 (announcing 46)", got)
	}
}

// TestEngineForcedResyncDropsToUnsynced verifies an accumulator past the
// resync bound drops the engine back to UNSYNCED instead of emitting on a
// phase it no longer trusts.
func TestEngineForcedResyncDropsToUnsynced(t *testing.T) {
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 30,
		Valid: true,
	}
	rig, now := syncedRig(t, r)
	rig.eng.drift.Accum = 150 * time.Millisecond

	_, evs := rig.eng.Advance(now)
	if len(eventsOfType(evs, EventResync)) != 1 {
		t.Fatalf("expected DRIFT_RESYNC, got %v", evs)
	}
	lost := eventsOfType(evs, EventSyncLost)
	if len(lost) != 1 || lost[0].Reason != ReasonResync {
		t.Fatalf("expected SYNC_LOST/%s, got %v", ReasonResync, evs)
	}
	if rig.eng.state != SyncUnsynced {
		t.Errorf("state = %s, want UNSYNCED", rig.eng.state)
	}
	if rig.car.On || rig.led.On {
		t.Error("carrier and led should be off after a forced resync")
	}
	if rig.eng.drift.Accum != 0 {
		t.Errorf("accumulator = %v, want 0", rig.eng.drift.Accum)
	}
	if rig.eng.counts.Resyncs != 1 {
		t.Errorf("resync count = %d, want 1", rig.eng.counts.Resyncs)
	}
	if rig.eng.counts.SyncLosses != 1 {
		t.Errorf("sync loss count = %d, want 1", rig.eng.counts.SyncLosses)
	}
}

// TestEngineForcedResyncRelocks verifies the interval based resync drops to
// UNSYNCED and re-acquires on the next observed second boundary.
func TestEngineForcedResyncRelocks(t *testing.T) {
	start := time.Date(2026, 8, 25, 14, 29, 56, 950000000, time.UTC)
	rig, now := clockRig(t, start)
	rig.eng.drift.LastResync = now.Add(-11 * time.Minute)

	var evs []Event
	now, evs = rig.driveClock(now, 1)
	lost := eventsOfType(evs, EventSyncLost)
	if len(lost) != 1 || lost[0].Reason != ReasonResync {
		t.Fatalf("expected SYNC_LOST/%s, got %v", ReasonResync, evs)
	}
	if rig.eng.state != SyncUnsynced {
		t.Fatalf("state = %s, want UNSYNCED", rig.eng.state)
	}
	if rig.car.On {
		t.Error("carrier should be off while re-locking")
	}

	// The sync poll re-arms and catches the next boundary.
	now, evs = rig.driveClock(now, 25)
	acquired := eventsOfType(evs, EventSyncAcquired)
	if len(acquired) != 1 {
		t.Fatalf("engine did not re-lock: %v", evs)
	}
	if rig.eng.state != SyncActive {
		t.Errorf("state = %s, want ACTIVE", rig.eng.state)
	}
	if rig.eng.second != rig.src.Reading.Second {
		t.Errorf("slot %d while the source reports second %d", rig.eng.second, rig.src.Reading.Second)
	}
}

func TestEngineHeartbeat(t *testing.T) {
	start := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	rig := newRig(t, start, telegram.Reading{Valid: false})

	if hb := rig.eng.CheckHeartbeat(start.Add(15*time.Minute), 0); hb != nil {
		t.Error("zero interval disables heartbeats")
	}
	if hb := rig.eng.CheckHeartbeat(start.Add(14*time.Minute), 15*time.Minute); hb != nil {
		t.Error("no heartbeat before the interval")
	}

	hb := rig.eng.CheckHeartbeat(start.Add(15*time.Minute), 15*time.Minute)
	if hb == nil {
		t.Fatal("expected heartbeat at the interval")
	}
	if hb.Uptime != 15*time.Minute {
		t.Errorf("uptime = %v, want 15m", hb.Uptime)
	}

	if hb := rig.eng.CheckHeartbeat(start.Add(15*time.Minute+time.Second), 15*time.Minute); hb != nil {
		t.Error("no heartbeat immediately after the previous one")
	}
	if hb := rig.eng.CheckHeartbeat(start.Add(30*time.Minute), 15*time.Minute); hb == nil {
		t.Error("expected second heartbeat")
	}
}

func TestEngineStatus(t *testing.T) {
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 30,
		Valid: true,
	}
	rig, now := syncedRig(t, r)
	now, _ = rig.driveTicks(now, 9)
	advanceReading(&rig.src.Reading)
	rig.driveTicks(now, 3)

	st := rig.eng.Status()
	if st.State != SyncActive || !st.Enabled {
		t.Errorf("state = %s enabled=%v", st.State, st.Enabled)
	}
	if st.Second != rig.eng.second || st.Tick != rig.eng.tick {
		t.Errorf("position %d.%d, engine at %d.%d", st.Second, st.Tick, rig.eng.second, rig.eng.tick)
	}
	if st.CarrierOn != rig.car.On {
		t.Error("CarrierOn should mirror the driver")
	}
	if st.Frame != rig.eng.frame {
		t.Error("Frame should be the currently emitted frame")
	}
	if st.Reading.Minute != rig.eng.frameReading.Minute {
		t.Error("Reading should be the frame's source reading")
	}
}

func TestPhaseAt(t *testing.T) {
	want := map[int]TickPhase{
		0: PhaseSecondStart,
		1: PhaseShortEnd,
		2: PhaseLongEnd,
		3: PhaseHold, 4: PhaseHold, 5: PhaseHold,
		6: PhaseHold, 7: PhaseHold, 8: PhaseHold,
		9: PhaseWrap,
	}
	for tick, phase := range want {
		if got := phaseAt(tick); got != phase {
			t.Errorf("phaseAt(%d) = %s, want %s", tick, got, phase)
		}
	}
}

func TestEngineLEDMirrorsCarrier(t *testing.T) {
	// Short pulse second followed by another pulse second: every carrier
	// transition must appear in the LED history with the same polarity.
	r := telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: 21,
		Valid: true,
	}
	rig, now := syncedRig(t, r)
	now, _ = rig.driveTicks(now, 9)
	advanceReading(&rig.src.Reading)
	rig.driveTicks(now, 10)

	if len(rig.car.Ops) == 0 {
		t.Fatal("no carrier activity driven")
	}
	if len(rig.car.Ops) != len(rig.led.History) {
		t.Fatalf("carrier ops %v and led history %v out of step", rig.car.Ops, rig.led.History)
	}
	for i, op := range rig.car.Ops {
		wantOn := op == "enable"
		if rig.led.History[i] != wantOn {
			t.Errorf("transition %d: carrier %s, led %v", i, op, rig.led.History[i])
		}
	}
}
