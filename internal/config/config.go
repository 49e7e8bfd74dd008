// Package config loads, validates and watches the emitter configuration.
//
// Configuration lives in a single YAML file. Missing fields keep their
// defaults, so a minimal file only overrides what it names. Durations are
// written as strings like "30s" or "5m", the carrier frequency as an SI
// string like "77.5kHz".
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/sweeney/dcf77-emitter/internal/carrier"
	"github.com/sweeney/dcf77-emitter/internal/gpio"
	"github.com/sweeney/dcf77-emitter/internal/window"
)

// Duration is a time.Duration that marshals as a string like "30s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Frequency is a physic.Frequency that marshals as a string like "77.5kHz".
type Frequency physic.Frequency

// Physic returns the wrapped physic.Frequency.
func (f Frequency) Physic() physic.Frequency { return physic.Frequency(f) }

func (f Frequency) MarshalYAML() (interface{}, error) {
	return physic.Frequency(f).String(), nil
}

func (f *Frequency) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	var parsed physic.Frequency
	if err := parsed.Set(s); err != nil {
		return fmt.Errorf("frequency %q: %w", s, err)
	}
	*f = Frequency(parsed)
	return nil
}

// Config is the full emitter configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Carrier   CarrierConfig   `yaml:"carrier"`
	LED       LEDConfig       `yaml:"led"`
	Time      TimeConfig      `yaml:"time"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Windows   []string        `yaml:"windows"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	Heartbeat Duration        `yaml:"heartbeat"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type CarrierConfig struct {
	PWMChip    int       `yaml:"pwm_chip"`
	PWMChannel int       `yaml:"pwm_channel"`
	Frequency  Frequency `yaml:"frequency"`
}

type LEDConfig struct {
	Chip string `yaml:"chip"`
	Pin  int    `yaml:"pin"`
}

type TimeConfig struct {
	Source   string     `yaml:"source"` // system, sntp or nmea
	Timezone string     `yaml:"timezone"`
	SNTP     SNTPConfig `yaml:"sntp"`
	NMEA     NMEAConfig `yaml:"nmea"`
}

type SNTPConfig struct {
	Server   string   `yaml:"server"`
	Poll     Duration `yaml:"poll"`
	Timeout  Duration `yaml:"timeout"`
	ValidFor Duration `yaml:"valid_for"`
}

type NMEAConfig struct {
	Port     string   `yaml:"port"`
	Baud     int      `yaml:"baud"`
	ValidFor Duration `yaml:"valid_for"`
}

type SchedulerConfig struct {
	SyncTimeout Duration `yaml:"sync_timeout"`
	Watchdog    Duration `yaml:"watchdog"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration. DCF77 transmits German civil
// time, so the default timezone is Europe/Berlin.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Carrier: CarrierConfig{
			PWMChip:    0,
			PWMChannel: 0,
			Frequency:  Frequency(carrier.DefaultFrequency),
		},
		LED: LEDConfig{Chip: gpio.DefaultChip, Pin: gpio.DefaultPin},
		Time: TimeConfig{
			Source:   "system",
			Timezone: "Europe/Berlin",
			SNTP: SNTPConfig{
				Server:   "pool.ntp.org",
				Poll:     Duration(5 * time.Minute),
				Timeout:  Duration(5 * time.Second),
				ValidFor: Duration(time.Hour),
			},
			NMEA: NMEAConfig{
				Port:     "/dev/ttyAMA0",
				Baud:     9600,
				ValidFor: Duration(10 * time.Second),
			},
		},
		Scheduler: SchedulerConfig{
			SyncTimeout: Duration(5 * time.Second),
			Watchdog:    Duration(30 * time.Second),
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "dcf77-emitter",
			TopicPrefix: "clock/dcf77",
		},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Heartbeat: Duration(15 * time.Minute),
	}
}

// Load reads the configuration file at path. A missing file yields the
// defaults; fields absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for values that would fail at startup.
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q: want console or json", c.Log.Format)
	}
	if c.Carrier.Frequency <= 0 {
		return fmt.Errorf("carrier.frequency must be positive")
	}
	switch c.Time.Source {
	case "", "system", "sntp", "nmea":
	default:
		return fmt.Errorf("time.source %q: want system, sntp or nmea", c.Time.Source)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("time.timezone: %w", err)
	}
	if c.Time.Source == "nmea" && c.Time.NMEA.Port == "" {
		return fmt.Errorf("time.nmea.port required for the nmea source")
	}
	if c.Scheduler.SyncTimeout <= 0 || c.Scheduler.Watchdog <= 0 {
		return fmt.Errorf("scheduler timeouts must be positive")
	}
	if _, err := c.Schedule(); err != nil {
		return fmt.Errorf("windows: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker required when mqtt is enabled")
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("heartbeat must not be negative")
	}
	return nil
}

// Schedule parses the transmission windows.
func (c Config) Schedule() (window.Schedule, error) {
	return window.ParseSchedule(c.Windows)
}

// Location resolves the configured timezone. An empty timezone means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.Time.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Time.Timezone)
}
