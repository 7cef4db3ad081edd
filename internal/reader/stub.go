//go:build !linux

package reader

import "errors"

// GPIOPower is not available on non-Linux platforms.
type GPIOPower struct{}

// NewGPIOPower returns an error on non-Linux platforms.
func NewGPIOPower(chipName string, pin int) (*GPIOPower, error) {
	return nil, errors.New("reader: gpio power line not supported on this platform (requires Linux)")
}

func (p *GPIOPower) Set(bool) error { return errors.New("reader: gpio not supported") }

func (p *GPIOPower) Close() error { return nil }
