package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/dcf77-emitter/internal/carrier"
	"github.com/sweeney/dcf77-emitter/internal/config"
	"github.com/sweeney/dcf77-emitter/internal/emitter"
	"github.com/sweeney/dcf77-emitter/internal/gpio"
	"github.com/sweeney/dcf77-emitter/internal/mqtt"
	"github.com/sweeney/dcf77-emitter/internal/status"
	"github.com/sweeney/dcf77-emitter/internal/timesource"
	"github.com/sweeney/dcf77-emitter/internal/web"
	"github.com/sweeney/dcf77-emitter/internal/window"
)

// run assembles the daemon from the configuration and blocks until a
// shutdown signal arrives.
func run(cfg config.Config, cfgPath string, log zerolog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		return fmt.Errorf("windows: %w", err)
	}

	car, err := carrier.NewPWM(cfg.Carrier.PWMChip, cfg.Carrier.PWMChannel, cfg.Carrier.Frequency.Physic())
	if err != nil {
		return fmt.Errorf("init carrier: %w", err)
	}
	defer car.Close()

	led, err := gpio.NewRealLine(cfg.LED.Chip, cfg.LED.Pin)
	if err != nil {
		return fmt.Errorf("init led: %w", err)
	}
	defer led.Close()

	src, err := timesource.New(timesource.Options{
		Protocol:     cfg.Time.Source,
		Location:     loc,
		SNTPServer:   cfg.Time.SNTP.Server,
		SNTPPoll:     cfg.Time.SNTP.Poll.Std(),
		SNTPTimeout:  cfg.Time.SNTP.Timeout.Std(),
		SNTPValidFor: cfg.Time.SNTP.ValidFor.Std(),
		NMEAPort:     cfg.Time.NMEA.Port,
		NMEABaud:     cfg.Time.NMEA.Baud,
		NMEAValidFor: cfg.Time.NMEA.ValidFor.Std(),
	}, log.With().Str("component", "timesource").Logger())
	if err != nil {
		return fmt.Errorf("init time source: %w", err)
	}
	defer src.Close()

	startTime := time.Now()
	engCfg := emitter.DefaultConfig()
	engCfg.SyncTimeout = cfg.Scheduler.SyncTimeout.Std()
	engCfg.Watchdog = cfg.Scheduler.Watchdog.Std()
	eng := emitter.New(engCfg, car, led, src, startTime, log.With().Str("component", "emitter").Logger())

	tracker := status.NewTracker(startTime, statusConfig(cfg))
	tracker.SetWindows(cfg.Windows)
	tracker.Update(eng.Status())
	if n := readNetworkInfo(); n != nil {
		tracker.SetNetwork(n)
	}

	var (
		pub      mqtt.Publisher
		conn     mqtt.ConnectionStatus
		commands <-chan mqtt.Command
	)
	if cfg.MQTT.Enabled {
		rp, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer rp.Close()
		pub, conn, commands = rp, rp, rp.Commands()
	}

	if pub != nil {
		tracker.SetMQTTConnected(conn.IsConnected())
		snap := tracker.Snapshot()
		startup := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Config:     systemConfig(cfg),
			Network:    mqttNetwork(snap.Network),
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := pub.PublishSystem(startup); err != nil {
			log.Warn().Err(err).Msg("failed to publish startup event")
		} else {
			log.Info().Msg("published startup event")
		}
		if err := pub.PublishSwitchState(true); err != nil {
			log.Warn().Err(err).Msg("failed to publish switch state")
		}
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	// Reloads are delivered through a buffered channel so the watcher
	// callback never blocks on the tick loop.
	reloadCh := make(chan config.Config, 1)
	watcher, err := config.NewWatcher(cfgPath, log.With().Str("component", "config").Logger(), func(c config.Config) {
		select {
		case reloadCh <- c:
		default:
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watching disabled")
	} else {
		defer watcher.Close()
	}

	log.Info().
		Str("frequency", cfg.Carrier.Frequency.Physic().String()).
		Str("source", src.Name()).
		Str("timezone", loc.String()).
		Strs("windows", cfg.Windows).
		Msg("started")

	timer := time.NewTimer(engCfg.TickInterval)
	defer timer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	l := &loop{
		eng:       eng,
		pub:       pub,
		conn:      conn,
		commands:  commands,
		reload:    reloadCh,
		tracker:   tracker,
		schedule:  schedule,
		heartbeat: cfg.Heartbeat.Std(),
		loc:       loc,
		now:       time.Now,
		tick:      timer.C,
		resetTick: func(d time.Duration) { timer.Reset(d) },
		sig:       sigCh,
		log:       log,
		switchOn:  true,
	}
	return l.run()
}

// loop owns the daemon's run state. Engine calls, MQTT commands and config
// reloads are all serialized through its select, so no locking is needed.
type loop struct {
	eng       *emitter.Engine
	pub       mqtt.Publisher
	conn      mqtt.ConnectionStatus
	commands  <-chan mqtt.Command
	reload    <-chan config.Config
	tracker   *status.Tracker
	schedule  window.Schedule
	heartbeat time.Duration
	loc       *time.Location
	now       func() time.Time
	tick      <-chan time.Time
	resetTick func(time.Duration)
	sig       <-chan os.Signal
	log       zerolog.Logger

	// switchOn is the remote switch state from MQTT. The carrier runs only
	// while the switch is on and a transmission window allows it.
	switchOn bool
}

func (l *loop) run() error {
	for {
		select {
		case s := <-l.sig:
			return l.shutdown(s)
		case cmd := <-l.commands:
			l.applyCommand(cmd)
		case c := <-l.reload:
			l.applyConfig(c)
		case <-l.tick:
			l.step()
		}
	}
}

// step runs one tick: reconcile the gate, advance the engine, publish
// whatever came out and rearm the timer with the engine's interval.
func (l *loop) step() {
	t := l.now()
	l.applyGate(t)

	interval, events := l.eng.Advance(t)
	for _, ev := range events {
		l.emit(ev)
	}

	if hb := l.eng.CheckHeartbeat(t, l.heartbeat); hb != nil {
		l.publishHeartbeat(hb)
	}

	l.updateTracker()
	l.resetTick(interval)
}

// applyGate reconciles the engine with the switch and the transmission
// windows. SetEnabled is idempotent so calling it every tick is safe.
func (l *loop) applyGate(t time.Time) {
	want := l.switchOn && l.schedule.Allows(t.In(l.loc))
	for _, ev := range l.eng.SetEnabled(want, t) {
		l.emit(ev)
	}
}

// emit logs an emitter event and publishes it. Publish errors are logged
// and dropped; emission does not depend on the broker.
func (l *loop) emit(ev emitter.Event) {
	e := l.log.Info().Str("event", string(ev.Type)).Int("second", ev.Second)
	if ev.Reason != "" {
		e.Str("reason", ev.Reason)
	}
	e.Msg("emitter event")

	if l.pub == nil {
		return
	}
	if err := l.pub.PublishEvent(ev); err != nil {
		l.log.Warn().Err(err).Msg("publish event")
	}
}

func (l *loop) publishHeartbeat(hb *emitter.HeartbeatData) {
	l.log.Info().
		Dur("uptime", hb.Uptime).
		Int("minutes", hb.Counts.Minutes).
		Msg("heartbeat")

	// The address can change between heartbeats on wifi.
	if n := readNetworkInfo(); n != nil {
		l.tracker.SetNetwork(n)
	}
	l.updateTracker()

	if l.pub == nil {
		return
	}
	snap := l.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp: hb.Timestamp,
		Event:     "HEARTBEAT",
		Heartbeat: &mqtt.HeartbeatInfo{
			UptimeSeconds: int64(hb.Uptime.Seconds()),
			EventCounts:   heartbeatCounts(hb.Counts),
		},
		Network:    mqttNetwork(snap.Network),
		RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
	}
	if err := l.pub.PublishSystem(ev); err != nil {
		l.log.Warn().Err(err).Msg("publish heartbeat")
	}
}

func (l *loop) updateTracker() {
	l.tracker.Update(l.eng.Status())
	if l.conn != nil {
		l.tracker.SetMQTTConnected(l.conn.IsConnected())
	}
}

// applyCommand handles a remote switch command. The state topic is only
// republished on an actual change.
func (l *loop) applyCommand(cmd mqtt.Command) {
	l.log.Info().Bool("on", cmd.On).Str("payload", cmd.Raw).Msg("switch command")
	if cmd.On == l.switchOn {
		return
	}
	l.switchOn = cmd.On
	if l.pub != nil {
		if err := l.pub.PublishSwitchState(cmd.On); err != nil {
			l.log.Warn().Err(err).Msg("publish switch state")
		}
	}
	l.applyGate(l.now())
	l.updateTracker()
}

// applyConfig applies a live reload. Windows, heartbeat, timezone and log
// level take effect immediately; carrier, time source, MQTT and HTTP
// settings need a restart.
func (l *loop) applyConfig(c config.Config) {
	if sched, err := c.Schedule(); err != nil {
		l.log.Warn().Err(err).Msg("reload: keeping previous windows")
	} else {
		l.schedule = sched
		l.tracker.SetWindows(c.Windows)
	}

	l.heartbeat = c.Heartbeat.Std()

	if loc, err := c.Location(); err != nil {
		l.log.Warn().Err(err).Msg("reload: keeping previous timezone")
	} else {
		l.loc = loc
	}

	if lvl, err := zerolog.ParseLevel(c.Log.Level); err == nil {
		l.log = l.log.Level(lvl)
	}

	l.tracker.SetConfig(statusConfig(c))
	l.log.Info().Msg("configuration applied; hardware and transport changes need a restart")
	l.applyGate(l.now())
}

// shutdown turns the carrier off and publishes a retained shutdown event so
// the broker keeps the final state after the process exits.
func (l *loop) shutdown(s os.Signal) error {
	name := signalName(s)
	l.log.Info().Str("signal", name).Msg("shutting down")

	for _, ev := range l.eng.SetEnabled(false, l.now()) {
		l.emit(ev)
	}

	if l.pub == nil {
		return nil
	}
	l.updateTracker()
	snap := l.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  l.now(),
		Event:      "SHUTDOWN",
		Reason:     name,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", name),
	}
	if err := l.pub.PublishSystem(ev); err != nil {
		l.log.Warn().Err(err).Msg("failed to publish shutdown event")
	} else {
		l.log.Info().Msg("published shutdown event")
	}
	return nil
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// Network details exported by the provisioning scripts on the Pi image.
const (
	envNetworkInterface = "NETWORK_INTERFACE"
	envNetworkIP        = "NETWORK_IP"
)

// readNetworkInfo reads network details from the environment, or nil when
// none are set.
func readNetworkInfo() *status.NetworkInfo {
	ip := os.Getenv(envNetworkIP)
	if ip == "" {
		return nil
	}
	return &status.NetworkInfo{
		Interface: os.Getenv(envNetworkInterface),
		IP:        ip,
	}
}

func statusConfig(cfg config.Config) status.Config {
	return status.Config{
		Frequency:   cfg.Carrier.Frequency.Physic().String(),
		TimeSource:  sourceName(cfg.Time.Source),
		TickMs:      emitter.DefaultConfig().TickInterval.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Std().Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
	}
}

func systemConfig(cfg config.Config) *mqtt.SystemConfig {
	return &mqtt.SystemConfig{
		Frequency:   cfg.Carrier.Frequency.Physic().String(),
		TimeSource:  sourceName(cfg.Time.Source),
		TickMs:      int(emitter.DefaultConfig().TickInterval.Milliseconds()),
		HeartbeatMs: cfg.Heartbeat.Std().Milliseconds(),
		Broker:      cfg.MQTT.Broker,
	}
}

func sourceName(s string) string {
	if s == "" {
		return "system"
	}
	return s
}

func heartbeatCounts(c emitter.Counts) mqtt.HeartbeatCounts {
	return mqtt.HeartbeatCounts{
		Minutes:         c.Minutes,
		Resyncs:         c.Resyncs,
		Discontinuities: c.Discontinuities,
		SyncLosses:      c.SyncLosses,
		Outliers:        c.Outliers,
	}
}

func mqttNetwork(n *status.NetworkInfo) *mqtt.NetworkInfo {
	if n == nil {
		return nil
	}
	return &mqtt.NetworkInfo{Interface: n.Interface, IP: n.IP}
}
