//go:build !linux

package carrier

import (
	"errors"

	"periph.io/x/conn/v3/physic"
)

// PWM is not available on non-Linux platforms.
type PWM struct{}

// NewPWM returns an error on non-Linux platforms.
func NewPWM(chip, channel int, freq physic.Frequency) (*PWM, error) {
	return nil, errors.New("carrier: sysfs pwm not supported on this platform (requires Linux)")
}

// Enable is not implemented on non-Linux platforms.
func (p *PWM) Enable() error {
	return errors.New("carrier: not supported")
}

// Disable is not implemented on non-Linux platforms.
func (p *PWM) Disable() error {
	return errors.New("carrier: not supported")
}

// Close is not implemented on non-Linux platforms.
func (p *PWM) Close() error {
	return nil
}
