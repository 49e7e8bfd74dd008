package gpio

// FakeLine is a test double that records every value driven onto the output.
type FakeLine struct {
	// History records each value passed to Set in call order.
	History []bool

	// On is the current output state.
	On bool

	// Closed tracks if Close was called.
	Closed bool

	// SetError, if set, will be returned by Set()
	SetError error
}

// NewFakeLine creates a FakeLine driven low.
func NewFakeLine() *FakeLine {
	return &FakeLine{}
}

// Set records the driven value.
func (f *FakeLine) Set(on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.On = on
	f.History = append(f.History, on)
	return nil
}

// Close drives the output low and marks the line as closed.
func (f *FakeLine) Close() error {
	f.On = false
	f.Closed = true
	return nil
}

// Reset clears all recorded state.
func (f *FakeLine) Reset() {
	f.History = nil
	f.On = false
	f.Closed = false
	f.SetError = nil
}
