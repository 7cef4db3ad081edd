// Package scan correlates chip readings into sensor states and runs the
// scan session state machine.
package scan

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

var (
	// ErrDriverUnavailable is returned by Start when the reader cannot be enabled.
	ErrDriverUnavailable = errors.New("scan: reader unavailable")

	// ErrStopped is returned for commands issued after the scan was stopped.
	ErrStopped = errors.New("scan: session stopped")

	// ErrNotStarted is returned by Pause before the first Start.
	ErrNotStarted = errors.New("scan: not started")
)

// Driver is the RFID reader. Enable starts delivering readings to handle
// until Disable is called.
type Driver interface {
	Enable(handle func(logic.Reading)) error
	Disable() error
}

// SensorLoader provides the sensors bonded to a structure.
type SensorLoader interface {
	LoadSensors(ctx context.Context, structureID string) ([]logic.Sensor, error)
}

// Sessions stores scan sessions.
type Sessions interface {
	// OpenOrResume returns the structure's unfinished session and its
	// results, or creates a new session starting at now.
	OpenOrResume(ctx context.Context, structureID, technician string, now time.Time) (logic.Session, []logic.ResultRecord, error)

	// Close marks the session ended at the given time.
	Close(ctx context.Context, sessionID string, at time.Time) error
}

// ResultSink accepts result records. Append must not block.
type ResultSink interface {
	Append(rec logic.ResultRecord)
}

// Flusher is implemented by sinks that write asynchronously. Stop flushes
// the sink before handing the session off.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Uploader hands a closed session off for upload.
type Uploader interface {
	Upload(ctx context.Context, session logic.Session, results int) error
}

// Notifier receives live updates for the UI.
type Notifier interface {
	SensorChanged(change logic.StateChange)
	ScanStateChanged(state logic.ScanState)
	CountsChanged(counts logic.Counts)
}

// Notifiers fans updates out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) SensorChanged(change logic.StateChange) {
	for _, n := range ns {
		n.SensorChanged(change)
	}
}

func (ns Notifiers) ScanStateChanged(state logic.ScanState) {
	for _, n := range ns {
		n.ScanStateChanged(state)
	}
}

func (ns Notifiers) CountsChanged(counts logic.Counts) {
	for _, n := range ns {
		n.CountsChanged(counts)
	}
}

type nopNotifier struct{}

func (nopNotifier) SensorChanged(logic.StateChange)  {}
func (nopNotifier) ScanStateChanged(logic.ScanState) {}
func (nopNotifier) CountsChanged(logic.Counts)       {}
