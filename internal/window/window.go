// Package window implements daily transmission windows.
//
// A window is a clock range like "22:00-06:30" during which emission is
// allowed. Ranges may wrap past midnight. An empty schedule allows
// emission at all times.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a daily clock range in minutes since midnight. A range whose
// end lies at or before its start wraps past midnight; Start == End covers
// the whole day.
type Window struct {
	Start int
	End   int
}

// Parse parses a window of the form "HH:MM-HH:MM".
func Parse(s string) (Window, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(strings.TrimSpace(from))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseClock(strings.TrimSpace(to))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return h*60 + m, nil
}

// Contains reports whether the clock time of t falls inside the window.
// The start is inclusive, the end exclusive.
func (w Window) Contains(t time.Time) bool {
	if w.Start == w.End {
		return true
	}
	min := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return min >= w.Start && min < w.End
	}
	return min >= w.Start || min < w.End
}

// String renders the window in the form Parse accepts.
func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// Schedule is a set of windows. An empty schedule always allows emission.
type Schedule []Window

// ParseSchedule parses a list of window specs. Blank entries are skipped.
func ParseSchedule(specs []string) (Schedule, error) {
	var sched Schedule
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		w, err := Parse(s)
		if err != nil {
			return nil, err
		}
		sched = append(sched, w)
	}
	return sched, nil
}

// Allows reports whether emission is allowed at t.
func (s Schedule) Allows(t time.Time) bool {
	if len(s) == 0 {
		return true
	}
	for _, w := range s {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// Strings renders the schedule back to its config form.
func (s Schedule) Strings() []string {
	out := make([]string, len(s))
	for i, w := range s {
		out[i] = w.String()
	}
	return out
}
