package main

import (
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/dcf77-emitter/internal/carrier"
	"github.com/sweeney/dcf77-emitter/internal/config"
	"github.com/sweeney/dcf77-emitter/internal/emitter"
	"github.com/sweeney/dcf77-emitter/internal/gpio"
	"github.com/sweeney/dcf77-emitter/internal/mqtt"
	"github.com/sweeney/dcf77-emitter/internal/status"
	"github.com/sweeney/dcf77-emitter/internal/telegram"
	"github.com/sweeney/dcf77-emitter/internal/timesource"
	"github.com/sweeney/dcf77-emitter/internal/window"
)

// testClock is a manually advanced clock. The mutex matters only for the
// test that runs the loop in a goroutine.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testReading(second int) telegram.Reading {
	return telegram.Reading{
		Year: 2026, Month: 8, Day: 25, Weekday: time.Tuesday,
		Hour: 14, Minute: 29, Second: second,
		DST: true, Valid: true,
	}
}

type loopRig struct {
	clock     *testClock
	source    *timesource.FakeSource
	driver    *carrier.FakeDriver
	led       *gpio.FakeLine
	pub       *mqtt.FakePublisher
	tracker   *status.Tracker
	eng       *emitter.Engine
	loop      *loop
	intervals []time.Duration
}

// newLoopRig wires a loop from fakes. The schedule is empty (always on),
// heartbeats are disabled and the switch starts on.
func newLoopRig(t *testing.T, r telegram.Reading) *loopRig {
	t.Helper()

	rig := &loopRig{
		clock:  &testClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)},
		source: timesource.NewFakeSource(r),
		driver: carrier.NewFakeDriver(),
		led:    gpio.NewFakeLine(),
		pub:    mqtt.NewFakePublisher(),
	}
	rig.pub.Connected = true

	start := rig.clock.Now()
	rig.eng = emitter.New(emitter.DefaultConfig(), rig.driver, rig.led, rig.source, start, zerolog.Nop())
	rig.tracker = status.NewTracker(start, status.Config{TimeSource: "fake", TickMs: 100})

	rig.loop = &loop{
		eng:       rig.eng,
		pub:       rig.pub,
		conn:      rig.pub,
		commands:  rig.pub.CommandCh,
		reload:    make(chan config.Config, 1),
		tracker:   rig.tracker,
		heartbeat: 0,
		loc:       time.UTC,
		now:       rig.clock.Now,
		resetTick: func(d time.Duration) { rig.intervals = append(rig.intervals, d) },
		log:       zerolog.Nop(),
		switchOn:  true,
	}
	return rig
}

// step advances the clock one nominal tick and runs the loop once.
func (r *loopRig) step() {
	r.clock.Advance(100 * time.Millisecond)
	r.loop.step()
}

// sync drives the loop until the engine is active: one step to observe the
// source second, then a step after the second changes.
func (r *loopRig) sync(t *testing.T) {
	t.Helper()
	r.step()
	rd := r.source.Reading
	rd.Second++
	r.source.Set(rd)
	r.step()
	if r.eng.Status().State != emitter.SyncActive {
		t.Fatalf("engine did not sync: %+v", r.eng.Status())
	}
}

func TestLoopStepSyncsAndPublishes(t *testing.T) {
	rig := newLoopRig(t, testReading(30))

	rig.step()
	if len(rig.pub.Events) != 0 {
		t.Fatalf("no events expected before sync, got %v", rig.pub.Events)
	}

	rd := rig.source.Reading
	rd.Second = 31
	rig.source.Set(rd)
	rig.step()

	if len(rig.pub.Events) != 1 {
		t.Fatalf("want 1 published event, got %d", len(rig.pub.Events))
	}
	ev := rig.pub.Events[0]
	if ev.Type != emitter.EventSyncAcquired {
		t.Errorf("event type = %s, want %s", ev.Type, emitter.EventSyncAcquired)
	}
	if ev.Second != 31 {
		t.Errorf("event second = %d, want 31", ev.Second)
	}

	snap := rig.tracker.Snapshot()
	if snap.Emitter.State != emitter.SyncActive {
		t.Errorf("tracker state = %s, want %s", snap.Emitter.State, emitter.SyncActive)
	}
	if !snap.MQTTConnected {
		t.Error("tracker should report mqtt connected")
	}

	// Exact 100ms ticks accumulate no drift, so the interval never changes.
	for i, iv := range rig.intervals {
		if iv != 100*time.Millisecond {
			t.Errorf("interval[%d] = %v, want 100ms", i, iv)
		}
	}
}

func TestLoopWindowGateKeepsEngineDisabled(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	sched, err := window.ParseSchedule([]string{"13:00-14:00"})
	if err != nil {
		t.Fatal(err)
	}
	rig.loop.schedule = sched // rig clock reads 12:00 UTC

	rig.step()
	rig.step()

	if rig.eng.Enabled() {
		t.Error("engine should stay disabled outside the window")
	}
	if len(rig.driver.Ops) != 0 {
		t.Errorf("carrier ops outside window: %v", rig.driver.Ops)
	}
	if len(rig.pub.Events) != 0 {
		t.Errorf("unexpected events: %v", rig.pub.Events)
	}
}

func TestLoopLeavingWindowDropsSync(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.sync(t)

	sched, err := window.ParseSchedule([]string{"13:00-14:00"})
	if err != nil {
		t.Fatal(err)
	}
	rig.loop.schedule = sched
	rig.step()

	if rig.eng.Enabled() {
		t.Error("engine should be disabled outside the window")
	}
	if rig.driver.On {
		t.Error("carrier should be off outside the window")
	}
	last := rig.pub.Events[len(rig.pub.Events)-1]
	if last.Type != emitter.EventSyncLost || last.Reason != emitter.ReasonDisabled {
		t.Errorf("last event = %s/%s, want %s/%s",
			last.Type, last.Reason, emitter.EventSyncLost, emitter.ReasonDisabled)
	}
}

func TestLoopSwitchCommandOffOn(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.sync(t)

	rig.loop.applyCommand(mqtt.Command{On: false, Raw: "OFF"})
	if rig.eng.Enabled() {
		t.Error("engine should be disabled after OFF")
	}
	if got := rig.pub.SwitchStates; len(got) != 1 || got[0] {
		t.Errorf("switch states = %v, want [false]", got)
	}
	last := rig.pub.Events[len(rig.pub.Events)-1]
	if last.Type != emitter.EventSyncLost || last.Reason != emitter.ReasonDisabled {
		t.Errorf("last event = %s/%s, want %s/%s",
			last.Type, last.Reason, emitter.EventSyncLost, emitter.ReasonDisabled)
	}

	// A repeated OFF changes nothing and republishes nothing.
	rig.loop.applyCommand(mqtt.Command{On: false, Raw: "OFF"})
	if len(rig.pub.SwitchStates) != 1 {
		t.Errorf("duplicate OFF republished state: %v", rig.pub.SwitchStates)
	}

	rig.loop.applyCommand(mqtt.Command{On: true, Raw: "ON"})
	if !rig.eng.Enabled() {
		t.Error("engine should be enabled after ON")
	}
	if got := rig.pub.SwitchStates; len(got) != 2 || !got[1] {
		t.Errorf("switch states = %v, want [false true]", got)
	}
}

func TestLoopHeartbeat(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.loop.heartbeat = 15 * time.Minute

	rig.step()
	if len(rig.pub.SystemEvents) != 0 {
		t.Fatalf("no heartbeat expected yet, got %v", rig.pub.SystemEvents)
	}

	rig.clock.Advance(15 * time.Minute)
	rig.loop.step()

	if len(rig.pub.SystemEvents) != 1 {
		t.Fatalf("want 1 system event, got %d", len(rig.pub.SystemEvents))
	}
	se := rig.pub.SystemEvents[0]
	if se.Event != "HEARTBEAT" {
		t.Errorf("event = %q, want HEARTBEAT", se.Event)
	}
	if se.Heartbeat == nil {
		t.Fatal("heartbeat info missing")
	}
	if se.Heartbeat.UptimeSeconds != 900 {
		t.Errorf("uptime = %d, want 900", se.Heartbeat.UptimeSeconds)
	}
	if !strings.Contains(string(se.RawPayload), `"event":"HEARTBEAT"`) {
		t.Errorf("raw payload missing heartbeat event: %s", se.RawPayload)
	}
}

func TestLoopHeartbeatDisabled(t *testing.T) {
	rig := newLoopRig(t, testReading(30))

	rig.step()
	rig.clock.Advance(24 * time.Hour)
	rig.loop.step()

	if len(rig.pub.SystemEvents) != 0 {
		t.Errorf("heartbeat disabled but system events published: %v", rig.pub.SystemEvents)
	}
}

func TestLoopShutdownPublishesRetainedEvent(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.sync(t)

	if err := rig.loop.shutdown(syscall.SIGTERM); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if rig.eng.Enabled() {
		t.Error("engine should be disabled after shutdown")
	}
	lastEv := rig.pub.Events[len(rig.pub.Events)-1]
	if lastEv.Type != emitter.EventSyncLost || lastEv.Reason != emitter.ReasonDisabled {
		t.Errorf("last emitter event = %s/%s, want %s/%s",
			lastEv.Type, lastEv.Reason, emitter.EventSyncLost, emitter.ReasonDisabled)
	}

	se := rig.pub.SystemEvents[len(rig.pub.SystemEvents)-1]
	if se.Event != "SHUTDOWN" {
		t.Errorf("event = %q, want SHUTDOWN", se.Event)
	}
	if se.Reason != "SIGTERM" {
		t.Errorf("reason = %q, want SIGTERM", se.Reason)
	}
	if !se.Retained {
		t.Error("shutdown event should be retained")
	}
	if !strings.Contains(string(se.RawPayload), `"event":"SHUTDOWN"`) {
		t.Errorf("raw payload missing shutdown event: %s", se.RawPayload)
	}
}

func TestLoopShutdownWithoutPublisher(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.loop.pub = nil
	rig.loop.conn = nil
	rig.sync(t)

	if err := rig.loop.shutdown(syscall.SIGINT); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if rig.driver.On {
		t.Error("carrier should be off after shutdown")
	}
}

func TestLoopReloadAppliesWindowsAndHeartbeat(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.sync(t)

	c := config.Default()
	c.Windows = []string{"03:00-04:00"}
	c.Heartbeat = config.Duration(time.Hour)
	rig.loop.applyConfig(c)

	if rig.loop.heartbeat != time.Hour {
		t.Errorf("heartbeat = %v, want 1h", rig.loop.heartbeat)
	}
	if rig.eng.Enabled() {
		t.Error("reload moved the loop outside the window, engine should be disabled")
	}

	snap := rig.tracker.Snapshot()
	if len(snap.Windows) != 1 || snap.Windows[0] != "03:00-04:00" {
		t.Errorf("tracker windows = %v", snap.Windows)
	}
	if snap.Config.HeartbeatMs != time.Hour.Milliseconds() {
		t.Errorf("tracker heartbeat = %d, want %d", snap.Config.HeartbeatMs, time.Hour.Milliseconds())
	}
}

func TestLoopReloadBadWindowsKeepsPrevious(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.sync(t)

	c := config.Default()
	c.Windows = []string{"25:00-26:00"}
	rig.loop.applyConfig(c)

	if !rig.eng.Enabled() {
		t.Error("engine should stay enabled when the reloaded windows do not parse")
	}
}

func TestLoopPublishErrorDoesNotStopEmission(t *testing.T) {
	rig := newLoopRig(t, testReading(30))
	rig.pub.PublishError = errors.New("broker gone")

	rig.sync(t)

	if rig.eng.Status().State != emitter.SyncActive {
		t.Error("engine should be active despite publish errors")
	}
	if len(rig.pub.Events) != 0 {
		t.Errorf("events recorded despite publish error: %v", rig.pub.Events)
	}
	if len(rig.intervals) != 2 {
		t.Errorf("ticks rearmed = %d, want 2", len(rig.intervals))
	}
}

func TestLoopRunShutdown(t *testing.T) {
	rig := newLoopRig(t, testReading(30))

	tickCh := make(chan time.Time)
	sigCh := make(chan os.Signal, 1)
	rig.loop.tick = tickCh
	rig.loop.sig = sigCh

	errCh := make(chan error, 1)
	go func() { errCh <- rig.loop.run() }()

	rig.clock.Advance(100 * time.Millisecond)
	tickCh <- time.Time{}
	sigCh <- syscall.SIGTERM

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after SIGTERM")
	}

	se := rig.pub.SystemEvents[len(rig.pub.SystemEvents)-1]
	if se.Event != "SHUTDOWN" || se.Reason != "SIGTERM" {
		t.Errorf("final system event = %s/%s, want SHUTDOWN/SIGTERM", se.Event, se.Reason)
	}
}
