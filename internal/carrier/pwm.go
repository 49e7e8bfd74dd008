//go:build linux

package carrier

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"periph.io/x/conn/v3/physic"
)

// PWM drives the carrier through a Linux sysfs PWM channel
// (/sys/class/pwm/pwmchipN/pwmC). On the Pi that channel is routed to a GPIO
// pin via the pwm overlay in config.txt.
type PWM struct {
	dir     string
	chip    int
	channel int
	period  time.Duration
	enabled bool
}

// NewPWM exports the channel if needed, programs period and 50% duty for the
// given carrier frequency and leaves the output disabled.
func NewPWM(chip, channel int, freq physic.Frequency) (*PWM, error) {
	if freq <= 0 {
		return nil, fmt.Errorf("carrier frequency must be positive, got %s", freq)
	}

	chipDir := fmt.Sprintf("/sys/class/pwm/pwmchip%d", chip)
	dir := filepath.Join(chipDir, fmt.Sprintf("pwm%d", channel))

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := writeAttr(chipDir, "export", strconv.Itoa(channel)); err != nil {
			return nil, fmt.Errorf("export pwm channel %d: %w", channel, err)
		}
		// The attribute files appear shortly after export; give udev a moment
		// to apply permissions.
		if err := waitForAttr(filepath.Join(dir, "period")); err != nil {
			return nil, fmt.Errorf("pwm channel %d did not appear: %w", channel, err)
		}
	}

	period, duty := pwmTiming(freq)

	// The kernel rejects duty_cycle > period, so clear any stale duty value
	// before shrinking the period.
	if err := writeAttr(dir, "duty_cycle", "0"); err != nil {
		return nil, fmt.Errorf("clear duty cycle: %w", err)
	}
	if err := writeAttr(dir, "period", strconv.FormatInt(period.Nanoseconds(), 10)); err != nil {
		return nil, fmt.Errorf("set period: %w", err)
	}
	if err := writeAttr(dir, "duty_cycle", strconv.FormatInt(duty.Nanoseconds(), 10)); err != nil {
		return nil, fmt.Errorf("set duty cycle: %w", err)
	}
	if err := writeAttr(dir, "enable", "0"); err != nil {
		return nil, fmt.Errorf("disable output: %w", err)
	}

	return &PWM{
		dir:     dir,
		chip:    chip,
		channel: channel,
		period:  period,
	}, nil
}

// Enable switches the carrier on. No-op when already enabled.
func (p *PWM) Enable() error {
	if p.enabled {
		return nil
	}
	if err := writeAttr(p.dir, "enable", "1"); err != nil {
		return fmt.Errorf("enable carrier: %w", err)
	}
	p.enabled = true
	return nil
}

// Disable switches the carrier off. No-op when already disabled.
func (p *PWM) Disable() error {
	if !p.enabled {
		return nil
	}
	if err := writeAttr(p.dir, "enable", "0"); err != nil {
		return fmt.Errorf("disable carrier: %w", err)
	}
	p.enabled = false
	return nil
}

// Close forces the carrier off and unexports the channel so the pin is left
// in a clean state for reboot.
func (p *PWM) Close() error {
	var errs []error

	if err := writeAttr(p.dir, "enable", "0"); err != nil {
		errs = append(errs, fmt.Errorf("disable output: %w", err))
	}
	chipDir := filepath.Dir(p.dir)
	if err := writeAttr(chipDir, "unexport", strconv.Itoa(p.channel)); err != nil {
		errs = append(errs, fmt.Errorf("unexport channel: %w", err))
	}
	p.enabled = false

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func writeAttr(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func waitForAttr(path string) error {
	var err error
	for i := 0; i < 50; i++ {
		if _, err = os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}
