//go:build linux

package reader

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOPower drives the antenna enable line through the Linux GPIO character device.
type GPIOPower struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// NewGPIOPower requests pin on chip as an output, initially off.
func NewGPIOPower(chipName string, pin int) (*GPIOPower, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	line, err := chip.RequestLine(pin, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request power pin %d: %w", pin, err)
	}

	return &GPIOPower{chip: chip, line: line}, nil
}

// Set drives the line high for on.
func (p *GPIOPower) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := p.line.SetValue(v); err != nil {
		return fmt.Errorf("set power pin: %w", err)
	}
	return nil
}

// Close returns the pin to an input with pull-down, matching the boot
// default, before releasing it.
func (p *GPIOPower) Close() error {
	var errs []error

	if p.line != nil {
		if err := p.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure power pin: %w", err))
		}
		if err := p.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close power pin: %w", err))
		}
	}
	if p.chip != nil {
		if err := p.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
