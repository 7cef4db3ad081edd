package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Reading()
	m.Reading()
	if got := testutil.ToFloat64(m.readings); got != 2 {
		t.Fatalf("expected readings 2, got %f", got)
	}

	m.UnknownChip()
	if got := testutil.ToFloat64(m.unknownChips); got != 1 {
		t.Fatalf("expected unknown chips 1, got %f", got)
	}

	m.Decision(logic.StateOK)
	m.Decision(logic.StateOK)
	m.Decision(logic.StateNOK)
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("OK")); got != 2 {
		t.Fatalf("expected OK decisions 2, got %f", got)
	}

	m.Transition(logic.StateDefective)
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("DEFECTIVE")); got != 1 {
		t.Fatalf("expected DEFECTIVE transitions 1, got %f", got)
	}

	m.SetPending(7)
	if got := testutil.ToFloat64(m.pending); got != 7 {
		t.Fatalf("expected pending 7, got %f", got)
	}

	m.ResultWrite(nil)
	m.ResultWrite(errors.New("db down"))
	m.ResultWrite(errors.New("db down"))
	if got := testutil.ToFloat64(m.resultWrites.WithLabelValues("error")); got != 2 {
		t.Fatalf("expected 2 write errors, got %f", got)
	}
	if got := testutil.ToFloat64(m.resultWrites.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 write success, got %f", got)
	}
}

func TestSetScanStateIsExclusive(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetScanState(logic.ScanStarted)
	m.SetScanState(logic.ScanPaused)

	if got := testutil.ToFloat64(m.scanState.WithLabelValues("PAUSED")); got != 1 {
		t.Errorf("expected PAUSED=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.scanState.WithLabelValues("STARTED")); got != 0 {
		t.Errorf("expected STARTED=0, got %f", got)
	}
}

func TestSetCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetCounts(logic.Counts{OK: 4, NOK: 1, Defective: 2, Unknown: 9})

	if got := testutil.ToFloat64(m.sensors.WithLabelValues("UNKNOWN")); got != 9 {
		t.Errorf("expected UNKNOWN=9, got %f", got)
	}
	if got := testutil.ToFloat64(m.sensors.WithLabelValues("DEFECTIVE")); got != 2 {
		t.Errorf("expected DEFECTIVE=2, got %f", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Reading()
	m.UnknownChip()
	m.Decision(logic.StateOK)
	m.Transition(logic.StateOK)
	m.CallbackPanic()
	m.SetPending(1)
	m.SetResultQueue(1)
	m.ResultWrite(nil)
	m.ResultDropped()
	m.SetScanState(logic.ScanStarted)
	m.SetCounts(logic.Counts{})
}
