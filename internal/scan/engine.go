package scan

import (
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/index"
	"github.com/sweeney/rfid-inspect/internal/logic"
	"github.com/sweeney/rfid-inspect/internal/metrics"
)

// Pending is the consuming membership test of the debounce buffer.
type Pending interface {
	Contains(chipID string) bool
}

// Recorder decides whether a state change is persisted and reacts to alerts.
// The Controller implements it; a nil Recorder makes the engine a dry run.
type Recorder interface {
	// Record persists the transition if a session is recording and returns its id.
	Record(sensorID string, state logic.SensorState, at time.Time) (sessionID string, ok bool)

	// AutoPause is called after an alert has been notified.
	AutoPause(change logic.StateChange)
}

// Engine turns expired chip ids into sensor state changes.
type Engine struct {
	index    *index.Index
	recorder Recorder
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates an engine over idx. recorder and notifier may be nil.
func NewEngine(idx *index.Index, recorder Recorder, notifier Notifier, m *metrics.Metrics, logger *zap.Logger, now func() time.Time) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		index:    idx,
		recorder: recorder,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		now:      now,
	}
}

// Process decides the state of the sensor owning chipID, which has just aged
// out of pending. It returns the change and true when the state changed.
// Unknown chips are ignored. Alerts are passed to the recorder's AutoPause.
func (e *Engine) Process(chipID string, pending Pending) (logic.StateChange, bool) {
	change, ok := e.Apply(chipID, pending)
	if ok && change.Alert() && e.recorder != nil {
		e.recorder.AutoPause(change)
	}
	return change, ok
}

// Apply is Process without the auto-pause.
func (e *Engine) Apply(chipID string, pending Pending) (logic.StateChange, bool) {
	sensor, ok := e.index.FindByChip(chipID)
	if !ok {
		e.metrics.UnknownChip()
		e.logger.Debug("ignoring unknown chip", zap.String("chip_id", chipID))
		return logic.StateChange{}, false
	}

	other, isControl, _ := sensor.Other(chipID)
	otherPresent := other != "" && pending.Contains(other)
	state := logic.Decide(isControl, otherPresent)
	e.metrics.Decision(state)

	prev, changed := e.index.UpdateState(sensor.ID, state)
	if !changed {
		return logic.StateChange{}, false
	}
	e.metrics.Transition(state)

	change := logic.StateChange{
		Timestamp:  e.now(),
		SensorID:   sensor.ID,
		SensorName: sensor.Name,
		State:      state,
		Previous:   prev,
	}
	if e.recorder != nil {
		if id, ok := e.recorder.Record(sensor.ID, state, change.Timestamp); ok {
			change.SessionID = id
		}
	}

	counts := e.index.Counts()
	e.metrics.SetCounts(counts)

	fields := []zap.Field{
		zap.String("sensor_id", sensor.ID),
		zap.String("sensor", sensor.Name),
		zap.String("state", string(state)),
		zap.String("previous", string(prev)),
		zap.String("chip_id", chipID),
		zap.Bool("sibling_pending", otherPresent),
	}
	if change.Alert() {
		e.logger.Warn("sensor alert", fields...)
	} else {
		e.logger.Info("sensor state changed", fields...)
	}

	e.notifier.SensorChanged(change)
	e.notifier.CountsChanged(counts)
	return change, true
}
