package timesource

import (
	"time"

	"github.com/sweeney/dcf77-emitter/internal/telegram"
)

// SystemSource reads the operating system clock. On a Pi kept in sync by
// systemd-timesyncd or chrony this is the usual choice.
type SystemSource struct {
	loc *time.Location
}

// NewSystemSource creates a source reporting the system clock in loc.
func NewSystemSource(loc *time.Location) *SystemSource {
	return &SystemSource{loc: loc}
}

// Name identifies the source.
func (s *SystemSource) Name() string { return "system" }

// Now returns the system clock. Always valid.
func (s *SystemSource) Now() telegram.Reading {
	return telegram.FromTime(time.Now().In(s.loc))
}

// Close is a no-op; the system clock needs no resources.
func (s *SystemSource) Close() error { return nil }
