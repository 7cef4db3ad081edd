package reader

import (
	"sync"
	"time"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// FakeReader is a scan driver for tests. Readings are injected with Emit.
type FakeReader struct {
	mu     sync.Mutex
	handle func(logic.Reading)

	// EnableError, if set, is returned by Enable.
	EnableError error

	// Enables and Disables count successful calls.
	Enables  int
	Disables int
}

// NewFakeReader creates a disabled FakeReader.
func NewFakeReader() *FakeReader {
	return &FakeReader{}
}

// Enable records handle unless EnableError is set.
func (f *FakeReader) Enable(handle func(logic.Reading)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnableError != nil {
		return f.EnableError
	}
	f.handle = handle
	f.Enables++
	return nil
}

// Disable drops the handler.
func (f *FakeReader) Disable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = nil
	f.Disables++
	return nil
}

// Enabled reports whether a handler is installed.
func (f *FakeReader) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle != nil
}

// Emit delivers a reading of chipID and reports whether anyone was listening.
func (f *FakeReader) Emit(chipID string) bool {
	f.mu.Lock()
	h := f.handle
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(logic.Reading{ChipID: chipID, Time: time.Now()})
	return true
}

// FakePower records power line switching.
type FakePower struct {
	mu sync.Mutex

	// Values holds every value passed to Set.
	Values []bool

	// SetError, if set, is returned by Set.
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

func (p *FakePower) Set(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetError != nil {
		return p.SetError
	}
	p.Values = append(p.Values, on)
	return nil
}

func (p *FakePower) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// On reports the last value set.
func (p *FakePower) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Values) > 0 && p.Values[len(p.Values)-1]
}
