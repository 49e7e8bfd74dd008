package carrier

// FakeDriver is a test double that records carrier state transitions.
type FakeDriver struct {
	// Ops records state transitions in call order ("enable"/"disable").
	// Calls that repeat the current state are not recorded, matching the
	// idempotent behavior of the real driver.
	Ops []string

	// On is the current carrier state.
	On bool

	// Closed tracks if Close was called.
	Closed bool

	// EnableError and DisableError, if set, are returned by the
	// corresponding call.
	EnableError  error
	DisableError error
}

// NewFakeDriver creates a FakeDriver with the carrier off.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// Enable records a transition to on.
func (f *FakeDriver) Enable() error {
	if f.EnableError != nil {
		return f.EnableError
	}
	if !f.On {
		f.On = true
		f.Ops = append(f.Ops, "enable")
	}
	return nil
}

// Disable records a transition to off.
func (f *FakeDriver) Disable() error {
	if f.DisableError != nil {
		return f.DisableError
	}
	if f.On {
		f.On = false
		f.Ops = append(f.Ops, "disable")
	}
	return nil
}

// Close marks the driver as closed.
func (f *FakeDriver) Close() error {
	f.Closed = true
	return nil
}

// Reset clears all recorded state.
func (f *FakeDriver) Reset() {
	f.Ops = nil
	f.On = false
	f.Closed = false
	f.EnableError = nil
	f.DisableError = nil
}
