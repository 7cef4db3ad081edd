package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	ScanState     string       `json:"scan_state"`
	Session       *SessionJSON `json:"session,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"sensor_counts"`
	LastAlert     *ChangeJSON  `json:"last_alert,omitempty"`
	Sensors       []SensorJSON `json:"sensors,omitempty"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// SessionJSON is the JSON representation of the scan session.
type SessionJSON struct {
	ID         string `json:"id"`
	Technician string `json:"technician"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at,omitempty"`
	Results    int    `json:"results"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of sensor counts.
type CountsJSON struct {
	OK        int `json:"ok"`
	NOK       int `json:"nok"`
	Defective int `json:"defective"`
	Unknown   int `json:"unknown"`
	Total     int `json:"total"`
}

// ChangeJSON is the JSON representation of a sensor state change.
type ChangeJSON struct {
	Timestamp string `json:"timestamp"`
	SensorID  string `json:"sensor_id"`
	Name      string `json:"name"`
	State     string `json:"state"`
}

// SensorJSON is one row of the sensor table.
type SensorJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ControlChip string `json:"control_chip"`
	MeasureChip string `json:"measure_chip"`
	State       string `json:"state"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	StructureID string `json:"structure_id"`
	Technician  string `json:"technician"`
	ReaderID    string `json:"reader_id"`
	WindowMs    int64  `json:"window_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	state := string(snap.ScanState)
	if state == "" {
		state = string(logic.ScanNotStarted)
	}

	inner := StatusInner{
		ScanState:     state,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     formatTime(snap.StartTime),
		Timestamp:     formatTime(snap.Now),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			OK:        snap.Counts.OK,
			NOK:       snap.Counts.NOK,
			Defective: snap.Counts.Defective,
			Unknown:   snap.Counts.Unknown,
			Total:     snap.Counts.Total(),
		},
		Config: ConfigJSON{
			StructureID: snap.Config.StructureID,
			Technician:  snap.Config.Technician,
			ReaderID:    snap.Config.ReaderID,
			WindowMs:    snap.Config.WindowMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}

	if snap.Session != nil {
		inner.Session = &SessionJSON{
			ID:         snap.Session.ID,
			Technician: snap.Session.Technician,
			StartedAt:  formatTime(snap.Session.StartedAt),
			Results:    snap.Results,
		}
		if snap.Session.EndedAt != nil {
			inner.Session.EndedAt = formatTime(*snap.Session.EndedAt)
		}
	}
	if snap.LastAlert != nil {
		inner.LastAlert = &ChangeJSON{
			Timestamp: formatTime(snap.LastAlert.Timestamp),
			SensorID:  snap.LastAlert.SensorID,
			Name:      snap.LastAlert.SensorName,
			State:     string(snap.LastAlert.State),
		}
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint, including the
// sensor table (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	for _, s := range snap.Sensors {
		inner.Sensors = append(inner.Sensors, SensorJSON{
			ID:          s.ID,
			Name:        s.Name,
			ControlChip: s.ControlChip,
			MeasureChip: s.MeasureChip,
			State:       string(s.State.Normalize()),
		})
	}

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
// The sensor table is left out to keep broker messages small.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
