// Package debounce holds recently seen chip ids for a fixed window so the
// sibling chip of a sensor has a chance to arrive before a decision is forced.
package debounce

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/metrics"
)

// ExpireFunc is called with a chip id whose window has elapsed without the
// chip being consumed. It may call Contains on the same buffer.
type ExpireFunc func(chipID string)

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithTicks drives flushes from ticks instead of an internal ticker.
func WithTicks(ticks <-chan time.Time) Option {
	return func(b *Buffer) { b.ticks = ticks }
}

// WithMetrics records pending size and callback panics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// Buffer is a time-windowed set of pending chip ids.
//
// A Buffer is single use: once stopped it ignores Add and never restarts its
// flush loop. Create a new Buffer to scan again.
type Buffer struct {
	window   time.Duration
	onExpire ExpireFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	ticks    <-chan time.Time

	mu      sync.Mutex
	pending map[string]time.Time // chip id -> first seen
	running bool
	stopped bool
	done    chan struct{}

	// flushMu serializes flushes so only one aged entry is processed at a time.
	flushMu sync.Mutex
}

// New creates a buffer that calls onExpire for chips pending longer than window.
func New(window time.Duration, onExpire ExpireFunc, logger *zap.Logger, opts ...Option) *Buffer {
	b := &Buffer{
		window:   window,
		onExpire: onExpire,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add records chipID as pending unless it already is, and makes sure the
// flush loop is running. The first-seen time of a pending chip is not refreshed.
func (b *Buffer) Add(chipID string) {
	if chipID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	if _, ok := b.pending[chipID]; ok {
		return
	}
	b.pending[chipID] = b.now()
	b.metrics.SetPending(len(b.pending))

	if !b.running {
		b.running = true
		go b.loop()
	}
}

// Contains reports whether chipID was pending and removes it if so.
func (b *Buffer) Contains(chipID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[chipID]; !ok {
		return false
	}
	delete(b.pending, chipID)
	b.metrics.SetPending(len(b.pending))
	return true
}

// Pending returns the number of chips currently held.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stopped reports whether Stop has been called.
func (b *Buffer) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Stop halts the flush loop and drops pending chips. It does not wait for an
// in-flight flush, so it is safe to call from the expire callback. Calling
// Stop more than once is a no-op.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true
	close(b.done)
	b.pending = make(map[string]time.Time)
	b.metrics.SetPending(0)
}

func (b *Buffer) loop() {
	ticks := b.ticks
	if ticks == nil {
		interval := b.window / 2
		if interval <= 0 {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-b.done:
			return
		case <-ticks:
			b.Flush()
		}
	}
}

type pendingEntry struct {
	chipID string
	seen   time.Time
}

// Flush expires every chip pending for at least the window, oldest first.
// It aborts without further callbacks once the buffer is stopped.
func (b *Buffer) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	now := b.now()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	var expired []pendingEntry
	for id, seen := range b.pending {
		if now.Sub(seen) >= b.window {
			expired = append(expired, pendingEntry{chipID: id, seen: seen})
		}
	}
	b.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].seen.Equal(expired[j].seen) {
			return expired[i].chipID < expired[j].chipID
		}
		return expired[i].seen.Before(expired[j].seen)
	})

	for _, e := range expired {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		seen, ok := b.pending[e.chipID]
		b.mu.Unlock()
		if !ok || !seen.Equal(e.seen) {
			// Consumed by an earlier decision in this flush.
			continue
		}

		b.expire(e.chipID)

		b.mu.Lock()
		if seen, ok := b.pending[e.chipID]; ok && seen.Equal(e.seen) {
			delete(b.pending, e.chipID)
		}
		b.metrics.SetPending(len(b.pending))
		b.mu.Unlock()
	}
}

func (b *Buffer) expire(chipID string) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.CallbackPanic()
			b.logger.Error("expire callback panicked",
				zap.String("chip_id", chipID),
				zap.Any("panic", r),
			)
		}
	}()
	b.onExpire(chipID)
}
