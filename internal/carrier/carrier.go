// Package carrier drives the 77.5 kHz antenna carrier with hardware
// abstraction. The real implementation uses the Linux sysfs PWM interface.
// The fake implementation allows testing without hardware.
package carrier

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// DefaultFrequency is the DCF77 carrier frequency.
const DefaultFrequency = 77500 * physic.Hertz

// Driver switches the carrier on and off. Enable and Disable are idempotent:
// repeating the current state performs no hardware write.
type Driver interface {
	Enable() error
	Disable() error

	// Close releases the PWM channel with the carrier off.
	Close() error
}

// pwmTiming returns the PWM period for the given carrier frequency and the
// on-time for a 50% duty cycle. 77.5 kHz yields a 12903 ns period.
func pwmTiming(f physic.Frequency) (period, duty time.Duration) {
	period = f.Duration()
	return period, period / 2
}
