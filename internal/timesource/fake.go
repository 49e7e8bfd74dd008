package timesource

import "github.com/sweeney/dcf77-emitter/internal/telegram"

// FakeSource is a test double returning a settable reading.
type FakeSource struct {
	// Reading is returned by every Now call. Tests mutate it (or call Set)
	// to move the fake clock.
	Reading telegram.Reading

	// NowCalls counts Now invocations.
	NowCalls int

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeSource creates a FakeSource returning r.
func NewFakeSource(r telegram.Reading) *FakeSource {
	return &FakeSource{Reading: r}
}

// Name identifies the source.
func (f *FakeSource) Name() string { return "fake" }

// Now returns the current reading.
func (f *FakeSource) Now() telegram.Reading {
	f.NowCalls++
	return f.Reading
}

// Set replaces the current reading.
func (f *FakeSource) Set(r telegram.Reading) {
	f.Reading = r
}

// Close marks the source as closed.
func (f *FakeSource) Close() error {
	f.Closed = true
	return nil
}

// Reset clears all recorded state.
func (f *FakeSource) Reset() {
	f.Reading = telegram.Reading{}
	f.NowCalls = 0
	f.Closed = false
}
