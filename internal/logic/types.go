// Package logic contains pure business logic for sensor bond inspection.
// This package has NO external dependencies (no reader, MQTT, database, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// SensorState represents the health of a bonded sensor as last decided.
type SensorState string

const (
	StateUnknown   SensorState = "UNKNOWN"
	StateOK        SensorState = "OK"
	StateNOK       SensorState = "NOK"
	StateDefective SensorState = "DEFECTIVE"
)

// Normalize maps the zero value and any unrecognised value to StateUnknown.
func (s SensorState) Normalize() SensorState {
	if !s.Valid() {
		return StateUnknown
	}
	return s
}

// Valid reports whether s is one of the four known states.
func (s SensorState) Valid() bool {
	switch s {
	case StateUnknown, StateOK, StateNOK, StateDefective:
		return true
	}
	return false
}

// ScanState represents the state of the scan session machine.
type ScanState string

const (
	ScanNotStarted ScanState = "NOT_STARTED"
	ScanStarted    ScanState = "STARTED"
	ScanPaused     ScanState = "PAUSED"
	ScanStopped    ScanState = "STOPPED"
)

// Sensor is a physical sensor wired to a control chip and a measure chip.
type Sensor struct {
	ID          string
	StructureID string
	ControlChip string
	MeasureChip string
	Name        string
	Note        string
	InstalledAt time.Time
	State       SensorState
}

// Other returns the sibling chip of chipID and whether chipID is the control chip.
// ok is false when chipID belongs to neither chip of s.
func (s Sensor) Other(chipID string) (other string, isControl bool, ok bool) {
	switch chipID {
	case s.ControlChip:
		return s.MeasureChip, true, true
	case s.MeasureChip:
		return s.ControlChip, false, true
	}
	return "", false, false
}

// Reading is a single chip id observed by the reader.
type Reading struct {
	ChipID string
	RSSI   int
	Time   time.Time
}

// Session is one bounded inspection pass over a structure.
type Session struct {
	ID          string
	StructureID string
	Technician  string
	StartedAt   time.Time
	EndedAt     *time.Time // nil while open
}

// Open reports whether the session has not been ended.
func (s Session) Open() bool {
	return s.EndedAt == nil
}

// ResultRecord is a persisted sensor state transition.
type ResultRecord struct {
	SensorID  string
	SessionID string
	Timestamp time.Time
	State     SensorState
}

// StateChange is emitted when a decision changes a sensor's state.
type StateChange struct {
	Timestamp  time.Time
	SensorID   string
	SensorName string
	State      SensorState
	Previous   SensorState
	SessionID  string // empty when no session was recording
}

// Alert reports whether the change should interrupt the inspector.
func (c StateChange) Alert() bool {
	return c.State == StateNOK || c.State == StateDefective
}

// Broken reports whether the alert is for a failed bond rather than an
// inconsistent signal.
func (c StateChange) Broken() bool {
	return c.State == StateDefective
}

// Counts tracks the number of sensors in each state.
type Counts struct {
	OK        int
	NOK       int
	Defective int
	Unknown   int
}

// Add increments the bucket for state.
func (c *Counts) Add(state SensorState) {
	switch state.Normalize() {
	case StateOK:
		c.OK++
	case StateNOK:
		c.NOK++
	case StateDefective:
		c.Defective++
	default:
		c.Unknown++
	}
}

// Total returns the number of sensors counted.
func (c Counts) Total() int {
	return c.OK + c.NOK + c.Defective + c.Unknown
}
