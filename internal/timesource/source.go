// Package timesource provides the local time references the emitter encodes.
// Network and serial sources poll in their own goroutine and store an offset
// against the system clock, so Now never blocks: the tick path reads a
// snapshot and moves on.
package timesource

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/dcf77-emitter/internal/telegram"
)

// Source supplies time readings to the scheduler.
type Source interface {
	// Name identifies the source in logs and status output.
	Name() string

	// Now returns the current reading. It never blocks on I/O. The reading
	// is not valid when the source has no usable time (no fix, stale sync).
	Now() telegram.Reading

	// Close stops background polling and releases resources.
	Close() error
}

// Options selects and configures a source.
type Options struct {
	Protocol string // "system", "sntp" or "nmea"
	Location *time.Location

	SNTPServer   string
	SNTPPoll     time.Duration
	SNTPTimeout  time.Duration
	SNTPValidFor time.Duration

	NMEAPort     string
	NMEABaud     int
	NMEAValidFor time.Duration
}

// New builds the source named by opts.Protocol. An empty protocol selects the
// system clock.
func New(opts Options, log zerolog.Logger) (Source, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	switch opts.Protocol {
	case "", "system":
		return NewSystemSource(loc), nil
	case "sntp":
		return NewSNTPSource(opts.SNTPServer, opts.SNTPPoll, opts.SNTPTimeout, opts.SNTPValidFor, loc, log), nil
	case "nmea":
		return NewNMEASource(opts.NMEAPort, opts.NMEABaud, opts.NMEAValidFor, loc, log)
	}
	return nil, fmt.Errorf("unknown time source %q", opts.Protocol)
}

// offsetClock stores the last measured offset between a reference clock and
// the system clock. Writers are the polling goroutines; readers are the tick
// path.
type offsetClock struct {
	mu       sync.RWMutex
	offset   time.Duration
	syncedAt time.Time
}

func (c *offsetClock) set(offset time.Duration, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	c.syncedAt = at
}

func (c *offsetClock) get() (time.Duration, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.syncedAt
}

// reading converts the stored offset into a Reading, or an invalid reading
// when the last sync is older than validFor.
func (c *offsetClock) reading(loc *time.Location, validFor time.Duration) telegram.Reading {
	offset, syncedAt := c.get()
	if syncedAt.IsZero() || time.Since(syncedAt) > validFor {
		return telegram.Reading{}
	}
	return telegram.FromTime(time.Now().Add(offset).In(loc))
}
