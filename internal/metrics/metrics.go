// Package metrics exposes Prometheus collectors for the inspection daemon.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

const namespace = "rfid_inspect"

// Metrics holds the daemon's collectors.
type Metrics struct {
	readings      prometheus.Counter
	unknownChips  prometheus.Counter
	decisions     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	callbackPanic prometheus.Counter
	pending       prometheus.Gauge
	resultQueue   prometheus.Gauge
	resultWrites  *prometheus.CounterVec
	resultDropped prometheus.Counter
	scanState     *prometheus.GaugeVec
	sensors       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chip_readings_total",
			Help:      "Chip readings accepted from the reader.",
		}),
		unknownChips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_chips_total",
			Help:      "Expired chip ids that belong to no loaded sensor.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Correlation decisions by resulting state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Sensor state changes by new state.",
		}, []string{"state"}),
		callbackPanic: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expire_callback_panics_total",
			Help:      "Recovered panics in the debounce expiry callback.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_chips",
			Help:      "Chip ids currently held in the debounce window.",
		}),
		resultQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "result_queue_length",
			Help:      "Result records waiting to be written.",
		}),
		resultWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_writes_total",
			Help:      "Result record write attempts by outcome.",
		}, []string{"result"}),
		resultDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_dropped_total",
			Help:      "Result records dropped because the write queue was full.",
		}),
		scanState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_state",
			Help:      "1 for the current scan state, 0 otherwise.",
		}, []string{"state"}),
		sensors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensors",
			Help:      "Loaded sensors by state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.readings, m.unknownChips, m.decisions, m.transitions, m.callbackPanic,
		m.pending, m.resultQueue, m.resultWrites, m.resultDropped, m.scanState, m.sensors,
	)
	return m
}

func (m *Metrics) Reading() {
	if m == nil {
		return
	}
	m.readings.Inc()
}

func (m *Metrics) UnknownChip() {
	if m == nil {
		return
	}
	m.unknownChips.Inc()
}

func (m *Metrics) Decision(state logic.SensorState) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) Transition(state logic.SensorState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) CallbackPanic() {
	if m == nil {
		return
	}
	m.callbackPanic.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) SetResultQueue(n int) {
	if m == nil {
		return
	}
	m.resultQueue.Set(float64(n))
}

// ResultWrite records a write attempt; err == nil counts as success.
func (m *Metrics) ResultWrite(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.resultWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) ResultDropped() {
	if m == nil {
		return
	}
	m.resultDropped.Inc()
}

// SetScanState marks state as the only active scan state.
func (m *Metrics) SetScanState(state logic.ScanState) {
	if m == nil {
		return
	}
	for _, s := range []logic.ScanState{logic.ScanNotStarted, logic.ScanStarted, logic.ScanPaused, logic.ScanStopped} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.scanState.WithLabelValues(string(s)).Set(v)
	}
}

// SetCounts publishes the per-state sensor summary.
func (m *Metrics) SetCounts(c logic.Counts) {
	if m == nil {
		return
	}
	m.sensors.WithLabelValues(string(logic.StateOK)).Set(float64(c.OK))
	m.sensors.WithLabelValues(string(logic.StateNOK)).Set(float64(c.NOK))
	m.sensors.WithLabelValues(string(logic.StateDefective)).Set(float64(c.Defective))
	m.sensors.WithLabelValues(string(logic.StateUnknown)).Set(float64(c.Unknown))
}
