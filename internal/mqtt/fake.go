package mqtt

import (
	"github.com/sweeney/dcf77-emitter/internal/emitter"
)

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	// Events contains all emitter events that were published.
	Events []emitter.Event

	// Payloads contains the JSON payloads that were published.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// SwitchStates contains all published switch states.
	SwitchStates []bool

	// CommandCh is the channel Commands returns. Tests push into it to
	// simulate inbound switch commands.
	CommandCh chan Command

	// PublishError, if set, will be returned by PublishEvent.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{
		CommandCh: make(chan Command, 16),
	}
}

// PublishEvent records the emitter event.
func (f *FakePublisher) PublishEvent(event emitter.Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}

	f.Events = append(f.Events, event)

	payload, err := FormatEventPayload(event)
	if err != nil {
		return err
	}
	f.Payloads = append(f.Payloads, payload)

	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	f.SystemEvents = append(f.SystemEvents, event)

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemPayloads = append(f.SystemPayloads, payload)

	return nil
}

// PublishSwitchState records the switch state.
func (f *FakePublisher) PublishSwitchState(on bool) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.SwitchStates = append(f.SwitchStates, on)
	return nil
}

// Commands returns the injectable command channel.
func (f *FakePublisher) Commands() <-chan Command {
	return f.CommandCh
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.Events = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.SwitchStates = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
