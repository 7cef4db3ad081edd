// Package reader drives the RFID reader hardware.
// Chip readings arrive over an MQTT feed published by the reader module and
// the antenna is powered through a GPIO output line. The fake implementation
// allows testing without hardware.
package reader

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// ErrNotConnected is returned by Enable when the chip feed has no broker connection.
var ErrNotConnected = errors.New("reader: feed not connected")

// Feed delivers chip readings.
type Feed interface {
	// Subscribe starts delivering readings to handle.
	Subscribe(handle func(logic.Reading)) error

	// Unsubscribe stops delivery.
	Unsubscribe() error
}

// PowerLine switches the reader antenna.
type PowerLine interface {
	Set(on bool) error
	Close() error
}

// NopPower is used when no power line is wired.
type NopPower struct{}

func (NopPower) Set(bool) error { return nil }
func (NopPower) Close() error   { return nil }

// Reader combines a feed and a power line into a scan driver.
type Reader struct {
	feed   Feed
	power  PowerLine
	logger *zap.Logger

	mu      sync.Mutex
	enabled bool
}

// New creates a disabled reader. A nil power line means the antenna is always on.
func New(feed Feed, power PowerLine, logger *zap.Logger) *Reader {
	if power == nil {
		power = NopPower{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{feed: feed, power: power, logger: logger}
}

// Enable powers the antenna and subscribes handle to the feed. If the feed
// cannot be subscribed the antenna is switched off again.
func (r *Reader) Enable(handle func(logic.Reading)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled {
		return nil
	}
	if err := r.power.Set(true); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if err := r.feed.Subscribe(handle); err != nil {
		if perr := r.power.Set(false); perr != nil {
			r.logger.Error("power off after failed subscribe", zap.Error(perr))
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	r.enabled = true
	r.logger.Info("reader enabled")
	return nil
}

// Disable unsubscribes from the feed and switches the antenna off.
func (r *Reader) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return nil
	}
	r.enabled = false

	var errs []error
	if err := r.feed.Unsubscribe(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	if err := r.power.Set(false); err != nil {
		errs = append(errs, fmt.Errorf("power off: %w", err))
	}
	r.logger.Info("reader disabled")
	return errors.Join(errs...)
}

// Enabled reports whether readings are being delivered.
func (r *Reader) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Close disables the reader and releases the power line.
func (r *Reader) Close() error {
	err := r.Disable()
	if cerr := r.power.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close power line: %w", cerr))
	}
	return err
}
