// Package status provides a thread-safe status tracker for the rfid-inspect daemon.
// It is fed by the scan controller's notifications and read by HTTP handlers
// and the heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// NetworkInfo contains network state as reported by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	StructureID string
	Technician  string
	ReaderID    string
	WindowMs    int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Source provides the parts of the scan the tracker does not receive as
// notifications. *scan.Controller implements it.
type Source interface {
	Sensors() []logic.Sensor
	Session() (logic.Session, bool)
	Results() int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	ScanState     logic.ScanState
	Session       *logic.Session
	Results       int
	Sensors       []logic.Sensor
	Counts        logic.Counts
	LastChange    *logic.StateChange
	LastAlert     *logic.StateChange
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu     sync.RWMutex
	snap   Snapshot
	source Source
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			ScanState: logic.ScanNotStarted,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetSource attaches the scan the snapshot reads sensors and session from.
func (t *Tracker) SetSource(src Source) {
	t.mu.Lock()
	t.source = src
	t.mu.Unlock()
}

// SensorChanged records the latest change, and the latest alert.
func (t *Tracker) SensorChanged(change logic.StateChange) {
	t.mu.Lock()
	t.snap.LastChange = &change
	if change.Alert() {
		t.snap.LastAlert = &change
	}
	t.mu.Unlock()
}

// ScanStateChanged records the scan state.
func (t *Tracker) ScanStateChanged(state logic.ScanState) {
	t.mu.Lock()
	t.snap.ScanState = state
	t.mu.Unlock()
}

// CountsChanged records the per-state sensor counts.
func (t *Tracker) CountsChanged(counts logic.Counts) {
	t.mu.Lock()
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	src := t.source
	t.mu.RUnlock()

	// The source takes its own locks; never call it with ours held.
	if src != nil {
		s.Sensors = src.Sensors()
		if sess, ok := src.Session(); ok {
			s.Session = &sess
		}
		s.Results = src.Results()
	}
	s.Now = time.Now()
	return s
}
