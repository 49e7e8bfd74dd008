// Package telegram contains the pure DCF77 frame model and encoder.
// This package has NO external dependencies (no PWM, GPIO, OS, or time.Sleep).
// Time is always injectable via Reading values.
package telegram

import (
	"fmt"
	"time"
)

// Pulse is the amplitude modulation of one second slot.
type Pulse uint8

const (
	// PulseSilent carries no amplitude drop. Only the minute mark (slot 59)
	// is silent; receivers detect the minute boundary by the missing pulse.
	PulseSilent Pulse = iota
	// PulseShort drops the carrier for 100ms and encodes binary 0.
	PulseShort
	// PulseLong drops the carrier for 200ms and encodes binary 1.
	PulseLong
)

// String returns a human-readable name for logs and status output.
func (p Pulse) String() string {
	switch p {
	case PulseSilent:
		return "silent"
	case PulseShort:
		return "short"
	case PulseLong:
		return "long"
	}
	return fmt.Sprintf("pulse(%d)", uint8(p))
}

// Duration returns the length of the amplitude drop for this pulse.
func (p Pulse) Duration() time.Duration {
	switch p {
	case PulseShort:
		return 100 * time.Millisecond
	case PulseLong:
		return 200 * time.Millisecond
	}
	return 0
}

// Frame holds one DCF77 minute: one pulse per second slot, indexed by the
// second within the minute.
type Frame [60]Pulse

// String renders the frame as 60 characters: '0' for a short pulse, '1' for
// a long pulse and '-' for a silent slot.
func (f Frame) String() string {
	buf := make([]byte, len(f))
	for i, p := range f {
		switch p {
		case PulseShort:
			buf[i] = '0'
		case PulseLong:
			buf[i] = '1'
		default:
			buf[i] = '-'
		}
	}
	return string(buf)
}

// ParseFrame parses the representation produced by String.
func ParseFrame(s string) (Frame, error) {
	var f Frame
	if len(s) != len(f) {
		return Frame{}, fmt.Errorf("frame length %d, want %d", len(s), len(f))
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
			f[i] = PulseShort
		case '1':
			f[i] = PulseLong
		case '-':
			f[i] = PulseSilent
		default:
			return Frame{}, fmt.Errorf("frame slot %d: bad character %q", i, s[i])
		}
	}
	return f, nil
}

// Reading is a single observation of civil local time as supplied by a time
// source. Second may be 60 during a leap second. Valid is false when the
// source has no usable time (no fix, stale sync).
type Reading struct {
	Year    int // full year, e.g. 2026
	Month   int // 1-12
	Day     int // 1-31
	Weekday time.Weekday
	Hour    int // 0-23
	Minute  int // 0-59
	Second  int // 0-60, 60 only during a leap second
	DST     bool
	Valid   bool
}

// FromTime extracts a Reading from a zoned time.Time. The zone attached to t
// decides both the civil fields and the DST flag.
func FromTime(t time.Time) Reading {
	return Reading{
		Year:    t.Year(),
		Month:   int(t.Month()),
		Day:     t.Day(),
		Weekday: t.Weekday(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
		DST:     t.IsDST(),
		Valid:   true,
	}
}

func (r Reading) validate() error {
	if !r.Valid {
		return fmt.Errorf("reading not valid")
	}
	if r.Month < 1 || r.Month > 12 {
		return fmt.Errorf("month out of range: %d", r.Month)
	}
	if r.Day < 1 || r.Day > 31 {
		return fmt.Errorf("day out of range: %d", r.Day)
	}
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("hour out of range: %d", r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("minute out of range: %d", r.Minute)
	}
	if r.Second < 0 || r.Second > 60 {
		return fmt.Errorf("second out of range: %d", r.Second)
	}
	return nil
}
