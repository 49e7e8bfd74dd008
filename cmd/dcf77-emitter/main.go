// Command dcf77-emitter drives a 77.5 kHz carrier through a PWM pin to emit
// the DCF77 time signal, with MQTT reporting and an HTTP status page.
package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"periph.io/x/conn/v3/physic"

	"github.com/sweeney/dcf77-emitter/internal/config"
	"github.com/sweeney/dcf77-emitter/internal/telegram"
)

const defaultConfigPath = "/etc/dcf77-emitter/config.yaml"

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	root := newRootCmd()
	root.AddCommand(newEncodeCmd(), newDecodeCmd())

	if err := root.Execute(); err != nil {
		logger := newLogger(config.LogConfig{Level: "info", Format: "console"})
		logger.Error().Err(err).Msg("dcf77-emitter")
		os.Exit(1)
	}
}

// flagOverrides holds the values of flags that override the config file.
// Only flags the user actually set are applied.
type flagOverrides struct {
	broker      string
	mqttEnabled bool
	httpAddr    string
	heartbeat   time.Duration
	source      string
	timezone    string
	frequency   string
	ledPin      int
	windows     []string
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	def := config.Default()
	fl := &flagOverrides{}
	var cfgPath string

	root := &cobra.Command{
		Use:     "dcf77-emitter",
		Short:   "Emit the DCF77 time signal over a PWM-driven carrier",
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Precedence: flags > environment > config file > defaults.
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyEnv(&cfg, changed); err != nil {
				return err
			}
			if err := applyFlags(&cfg, fl, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			return run(cfg, cfgPath, newLogger(cfg.Log))
		},
	}

	root.Flags().StringVar(&cfgPath, "config", defaultConfigPath, "path to config file")
	root.Flags().StringVar(&fl.broker, "broker", def.MQTT.Broker, "MQTT broker address")
	root.Flags().BoolVar(&fl.mqttEnabled, "mqtt", def.MQTT.Enabled, "enable MQTT reporting")
	root.Flags().StringVar(&fl.httpAddr, "http", def.HTTP.Addr, "HTTP status address (empty to disable)")
	root.Flags().DurationVar(&fl.heartbeat, "heartbeat", def.Heartbeat.Std(), "heartbeat interval (0 to disable)")
	root.Flags().StringVar(&fl.source, "source", def.Time.Source, "time source: system, sntp or nmea")
	root.Flags().StringVar(&fl.timezone, "timezone", def.Time.Timezone, "IANA timezone of the emitted civil time")
	root.Flags().StringVar(&fl.frequency, "frequency", def.Carrier.Frequency.Physic().String(), "carrier frequency")
	root.Flags().IntVar(&fl.ledPin, "led-pin", def.LED.Pin, "BCM pin number for the indicator LED")
	root.Flags().StringArrayVar(&fl.windows, "window", nil, `transmission window "HH:MM-HH:MM" (repeatable, none means always on)`)
	root.Flags().StringVar(&fl.logLevel, "log-level", def.Log.Level, "log level")
	root.Flags().StringVar(&fl.logFormat, "log-format", def.Log.Format, "log format: console or json")

	return root
}

// applyFlags copies explicitly set flags into the configuration.
func applyFlags(cfg *config.Config, fl *flagOverrides, changed map[string]bool) error {
	if changed["broker"] {
		cfg.MQTT.Broker = fl.broker
	}
	if changed["mqtt"] {
		cfg.MQTT.Enabled = fl.mqttEnabled
	}
	if changed["http"] {
		cfg.HTTP.Addr = fl.httpAddr
	}
	if changed["heartbeat"] {
		cfg.Heartbeat = config.Duration(fl.heartbeat)
	}
	if changed["source"] {
		cfg.Time.Source = fl.source
	}
	if changed["timezone"] {
		cfg.Time.Timezone = fl.timezone
	}
	if changed["frequency"] {
		var f physic.Frequency
		if err := f.Set(fl.frequency); err != nil {
			return fmt.Errorf("frequency %q: %w", fl.frequency, err)
		}
		cfg.Carrier.Frequency = config.Frequency(f)
	}
	if changed["led-pin"] {
		cfg.LED.Pin = fl.ledPin
	}
	if changed["window"] {
		cfg.Windows = fl.windows
	}
	if changed["log-level"] {
		cfg.Log.Level = fl.logLevel
	}
	if changed["log-format"] {
		cfg.Log.Format = fl.logFormat
	}
	return nil
}

// applyEnv applies configuration from DCF77_* environment variables. Values
// are skipped for settings whose flags were explicitly set.
func applyEnv(cfg *config.Config, changed map[string]bool) error {
	s := envSetter{changed: changed}

	s.setString("broker", os.Getenv("DCF77_BROKER"), &cfg.MQTT.Broker)
	s.setString("mqtt-username", os.Getenv("DCF77_MQTT_USERNAME"), &cfg.MQTT.Username)
	s.setString("mqtt-password", os.Getenv("DCF77_MQTT_PASSWORD"), &cfg.MQTT.Password)
	s.setString("http", os.Getenv("DCF77_HTTP_ADDR"), &cfg.HTTP.Addr)
	s.setString("source", os.Getenv("DCF77_TIME_SOURCE"), &cfg.Time.Source)
	s.setString("timezone", os.Getenv("DCF77_TIMEZONE"), &cfg.Time.Timezone)
	s.setString("log-level", os.Getenv("DCF77_LOG_LEVEL"), &cfg.Log.Level)
	s.setString("log-format", os.Getenv("DCF77_LOG_FORMAT"), &cfg.Log.Format)

	s.setBool("mqtt", os.Getenv("DCF77_MQTT_ENABLED"), &cfg.MQTT.Enabled)
	s.setWindows("window", os.Getenv("DCF77_WINDOWS"), &cfg.Windows)

	if err := s.setDuration("heartbeat", os.Getenv("DCF77_HEARTBEAT"), &cfg.Heartbeat); err != nil {
		return err
	}
	return s.setFrequency("frequency", os.Getenv("DCF77_FREQUENCY"), &cfg.Carrier.Frequency)
}

// envSetter applies environment values while respecting flag precedence.
type envSetter struct {
	changed map[string]bool
}

func (s envSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s envSetter) setBool(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

func (s envSetter) setDuration(flag, value string, dst *config.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = config.Duration(d)
	return nil
}

func (s envSetter) setFrequency(flag, value string, dst *config.Frequency) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	var f physic.Frequency
	if err := f.Set(value); err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = config.Frequency(f)
	return nil
}

// setWindows splits a comma separated window list.
func (s envSetter) setWindows(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

// newEncodeCmd builds the encode subcommand, a diagnostic that prints the
// frame for one minute without touching hardware.
func newEncodeCmd() *cobra.Command {
	var at string
	var tz string

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the frame for a minute and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("timezone: %w", err)
			}

			t := time.Now().In(loc)
			if at != "" {
				t, err = time.ParseInLocation("2006-01-02 15:04:05", at, loc)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
			}

			r := telegram.FromTime(t)
			f, err := telegram.Encode(r)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "time:  %04d-%02d-%02d %02d:%02d:%02d dst=%v\n",
				r.Year, r.Month, r.Day, r.Hour, r.Minute, r.Second, r.DST)
			fmt.Fprintf(out, "frame: %s\n", f)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", `time to encode as "2006-01-02 15:04:05" (default now)`)
	cmd.Flags().StringVar(&tz, "timezone", "Europe/Berlin", "timezone for the encoded time")
	return cmd
}

// newDecodeCmd builds the inverse diagnostic: it reads a frame rendering back
// into the time it announces.
func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <frame>",
		Short: "Print the time a 60-slot frame announces and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := telegram.ParseFrame(args[0])
			if err != nil {
				return err
			}
			r, err := telegram.Decode(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "time: %04d-%02d-%02d %02d:%02d %s dst=%v\n",
				r.Year, r.Month, r.Day, r.Hour, r.Minute, r.Weekday, r.DST)
			return nil
		},
	}
}
