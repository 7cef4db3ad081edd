package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/config"
	"github.com/sweeney/rfid-inspect/internal/logic"
	"github.com/sweeney/rfid-inspect/internal/mqtt"
	"github.com/sweeney/rfid-inspect/internal/reader"
	"github.com/sweeney/rfid-inspect/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}

	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "disconnected")
	t.Setenv(envNetworkType, "")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when status is set")
	}
	if info.Status != "disconnected" {
		t.Errorf("Status: got %q, want disconnected", info.Status)
	}
	if info.IP != "" {
		t.Errorf("IP: got %q, want empty", info.IP)
	}
}

func TestNewPowerLineDisabled(t *testing.T) {
	line, err := newPowerLine(config.ReaderConfig{PowerPin: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := line.(reader.NopPower); !ok {
		t.Errorf("expected NopPower for a negative pin, got %T", line)
	}
}

func TestWriteSensors(t *testing.T) {
	var buf bytes.Buffer
	err := writeSensors(&buf, []logic.Sensor{
		{ID: "s1", Name: "Pier 1 north", ControlChip: "C1", MeasureChip: "M1", State: logic.StateNOK},
		{ID: "s2", Name: "Pier 1 south", ControlChip: "C2", MeasureChip: "M2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "Pier 1 north") || !strings.HasSuffix(lines[1], "NOK") {
		t.Errorf("unexpected first row: %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "UNKNOWN") {
		t.Errorf("empty state should print as UNKNOWN: %q", lines[2])
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fakeScan struct {
	state    logic.ScanState
	pauseErr error
	pauses   int
}

func (f *fakeScan) State() logic.ScanState { return f.state }

func (f *fakeScan) Pause() error {
	f.pauses++
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.state = logic.ScanPaused
	return nil
}

// runRunLoop drives runLoop with a 15-minute clock step and heartbeat, so
// every tick is a heartbeat, then delivers the signal.
func runRunLoop(t *testing.T, ctl scanControl, pub *mqtt.FakePublisher, tracker *status.Tracker, ticks int, signal os.Signal) error {
	return runRunLoopEvery(t, ctl, pub, tracker, 15*time.Minute, ticks, signal)
}

func runRunLoopEvery(t *testing.T, ctl scanControl, pub *mqtt.FakePublisher, tracker *status.Tracker, heartbeat time.Duration, ticks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 15*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(ctl, pub, pub, tracker, zap.NewNop(), heartbeat, clock, tick, sig)
	}()

	for i := 0; i < ticks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not return after signal")
		return nil
	}
}

func newTracker() *status.Tracker {
	return status.NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), status.Config{StructureID: "bridge-7"})
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	ctl := &fakeScan{state: logic.ScanNotStarted}

	if err := runRunLoop(t, ctl, pub, newTracker(), 0, syscall.SIGINT); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	events := pub.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(events))
	}
	se := events[0]
	if se.Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN, got %q", se.Event)
	}
	if se.Reason != "SIGINT" {
		t.Errorf("expected reason SIGINT, got %q", se.Reason)
	}
	if !se.Retained {
		t.Error("expected Retained=true for SHUTDOWN")
	}
	if ctl.pauses != 0 {
		t.Error("a scan that never started should not be paused")
	}
}

func TestRunLoopShutdownPausesStartedScan(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	ctl := &fakeScan{state: logic.ScanStarted}
	tracker := newTracker()

	if err := runRunLoop(t, ctl, pub, tracker, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if ctl.pauses != 1 || ctl.state != logic.ScanPaused {
		t.Errorf("expected the scan to be paused once, got %d pauses in %s", ctl.pauses, ctl.state)
	}

	events := pub.Events()
	if len(events) != 1 || events[0].Reason != "SIGTERM" {
		t.Fatalf("expected SHUTDOWN with SIGTERM, got %+v", events)
	}

	var parsed status.StatusJSON
	if err := json.Unmarshal(events[0].RawPayload, &parsed); err != nil {
		t.Fatalf("invalid shutdown payload: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != "SIGTERM" {
		t.Errorf("unexpected payload event: %+v", parsed.Status)
	}
}

func TestRunLoopShutdownPauseError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	ctl := &fakeScan{state: logic.ScanStarted, pauseErr: errors.New("reader stuck")}

	if err := runRunLoop(t, ctl, pub, newTracker(), 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.Events()) != 1 {
		t.Error("SHUTDOWN should be published even if pausing fails")
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := newTracker()
	tracker.ScanStateChanged(logic.ScanStarted)
	tracker.CountsChanged(logic.Counts{OK: 4, NOK: 1})

	if err := runRunLoop(t, &fakeScan{state: logic.ScanPaused}, pub, tracker, 2, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	var heartbeats, shutdowns int
	for _, se := range pub.Events() {
		switch se.Event {
		case "HEARTBEAT":
			heartbeats++
			if se.Retained {
				t.Error("heartbeats should not be retained")
			}
			var parsed status.StatusJSON
			if err := json.Unmarshal(se.RawPayload, &parsed); err != nil {
				t.Fatalf("invalid heartbeat payload: %v", err)
			}
			if parsed.Status.Counts.OK != 4 || parsed.Status.Counts.NOK != 1 {
				t.Errorf("unexpected heartbeat counts: %+v", parsed.Status.Counts)
			}
			if !parsed.Status.MQTT.Connected {
				t.Error("heartbeat should report the MQTT connection")
			}
		case "SHUTDOWN":
			shutdowns++
		}
	}
	if heartbeats != 2 {
		t.Errorf("expected 2 HEARTBEAT events, got %d", heartbeats)
	}
	if shutdowns != 1 {
		t.Errorf("expected 1 SHUTDOWN event, got %d", shutdowns)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()

	if err := runRunLoopEvery(t, &fakeScan{}, pub, newTracker(), 0, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	events := pub.Events()
	if len(events) != 1 || events[0].Event != "SHUTDOWN" {
		t.Errorf("expected only SHUTDOWN with heartbeat disabled, got %+v", events)
	}
}

func TestRunLoopHeartbeatWaitsForInterval(t *testing.T) {
	pub := mqtt.NewFakePublisher()

	// 15-minute clock steps against a 40-minute heartbeat: ticks at 15m, 30m
	// and 45m produce a single heartbeat.
	if err := runRunLoopEvery(t, &fakeScan{}, pub, newTracker(), 40*time.Minute, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	var heartbeats int
	for _, se := range pub.Events() {
		if se.Event == "HEARTBEAT" {
			heartbeats++
		}
	}
	if heartbeats != 1 {
		t.Errorf("expected 1 HEARTBEAT event, got %d", heartbeats)
	}
}

func TestRunLoopPublishError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker unavailable")

	if err := runRunLoop(t, &fakeScan{}, pub, newTracker(), 2, syscall.SIGTERM); err != nil {
		t.Fatalf("publish errors must not stop the loop: %v", err)
	}
}

func TestRunLoopHeartbeatIncludesNetworkInfo(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.42")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "associated")
	t.Setenv(envNetworkWifiSSID, "HomeNet")

	pub := mqtt.NewFakePublisher()
	if err := runRunLoop(t, &fakeScan{}, pub, newTracker(), 1, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	var hb *mqtt.SystemEvent
	events := pub.Events()
	for i := range events {
		if events[i].Event == "HEARTBEAT" {
			hb = &events[i]
			break
		}
	}
	if hb == nil {
		t.Fatal("expected a HEARTBEAT system event")
	}

	var parsed status.StatusJSON
	if err := json.Unmarshal(hb.RawPayload, &parsed); err != nil {
		t.Fatalf("invalid heartbeat payload: %v", err)
	}
	net := parsed.Status.Network
	if net == nil {
		t.Fatal("HEARTBEAT payload missing network info")
	}
	if net.IP != "192.168.1.42" || net.SSID != "HomeNet" || net.WifiStatus != "associated" {
		t.Errorf("unexpected network info: %+v", net)
	}
}
