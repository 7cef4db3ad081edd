// Package index maps chip ids to the sensors that own them.
package index

import (
	"sort"
	"sync"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// Index is a thread-safe chip id -> sensor lookup with in-place state updates.
type Index struct {
	mu      sync.RWMutex
	sensors map[string]*logic.Sensor // by sensor id
	byChip  map[string]string        // chip id -> sensor id
}

// New creates an empty index.
func New() *Index {
	return &Index{
		sensors: make(map[string]*logic.Sensor),
		byChip:  make(map[string]string),
	}
}

// Load replaces the index contents with sensors. Empty chip ids are not indexed.
// When two sensors claim the same chip the later one wins.
func (x *Index) Load(sensors []logic.Sensor) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.sensors = make(map[string]*logic.Sensor, len(sensors))
	x.byChip = make(map[string]string, len(sensors)*2)
	for i := range sensors {
		s := sensors[i]
		s.State = s.State.Normalize()
		x.sensors[s.ID] = &s
		if s.ControlChip != "" {
			x.byChip[s.ControlChip] = s.ID
		}
		if s.MeasureChip != "" {
			x.byChip[s.MeasureChip] = s.ID
		}
	}
}

// FindByChip returns the sensor owning chipID as control or measure chip.
func (x *Index) FindByChip(chipID string) (logic.Sensor, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	id, ok := x.byChip[chipID]
	if !ok {
		return logic.Sensor{}, false
	}
	s, ok := x.sensors[id]
	if !ok {
		return logic.Sensor{}, false
	}
	return *s, true
}

// Get returns the sensor with the given id.
func (x *Index) Get(sensorID string) (logic.Sensor, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	s, ok := x.sensors[sensorID]
	if !ok {
		return logic.Sensor{}, false
	}
	return *s, true
}

// UpdateState sets the sensor's state if it differs from the current one.
// It returns the previous state and whether anything changed; unknown
// sensor ids report no change.
func (x *Index) UpdateState(sensorID string, state logic.SensorState) (logic.SensorState, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	s, ok := x.sensors[sensorID]
	if !ok {
		return "", false
	}
	prev := s.State
	state = state.Normalize()
	if prev == state {
		return prev, false
	}
	s.State = state
	return prev, true
}

// ResetStates marks every sensor UNKNOWN.
func (x *Index) ResetStates() {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, s := range x.sensors {
		s.State = logic.StateUnknown
	}
}

// Clear drops all entries.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.sensors = make(map[string]*logic.Sensor)
	x.byChip = make(map[string]string)
}

// Len returns the number of sensors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.sensors)
}

// Counts returns the number of sensors per state.
func (x *Index) Counts() logic.Counts {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var c logic.Counts
	for _, s := range x.sensors {
		c.Add(s.State)
	}
	return c
}

// Sensors returns a copy of all sensors ordered by name, then id.
func (x *Index) Sensors() []logic.Sensor {
	x.mu.RLock()
	out := make([]logic.Sensor, 0, len(x.sensors))
	for _, s := range x.sensors {
		out = append(out, *s)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
