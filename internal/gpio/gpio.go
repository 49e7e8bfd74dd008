// Package gpio provides the indicator LED output with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Line drives a single GPIO output.
type Line interface {
	// Set drives the output high (true) or low (false).
	Set(on bool) error

	// Close drives the output low and releases GPIO resources.
	Close() error
}

// Defaults (BCM numbering). The LED mirrors the carrier so the modulation is
// visible on the board.
const (
	DefaultChip = "gpiochip0"
	DefaultPin  = 17
)
