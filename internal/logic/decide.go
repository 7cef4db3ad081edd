package logic

import "time"

// Decide returns the sensor state implied by a chip aging out of the
// debounce window. isControl is true when the expired chip is the control
// chip; otherPresent is true when the sibling chip was pending at the time.
//
// Reading both chips of one sensor is always NOK. A lone control chip is
// the healthy case. A lone measure chip means the bond has failed.
func Decide(isControl, otherPresent bool) SensorState {
	if otherPresent {
		return StateNOK
	}
	if isControl {
		return StateOK
	}
	return StateDefective
}

// LatestStates folds a session's result records into the most recent state
// per sensor id. Records with equal timestamps keep the later one in slice order.
func LatestStates(records []ResultRecord) map[string]SensorState {
	latest := make(map[string]ResultRecord, len(records))
	for _, r := range records {
		if cur, ok := latest[r.SensorID]; ok && r.Timestamp.Before(cur.Timestamp) {
			continue
		}
		latest[r.SensorID] = r
	}
	out := make(map[string]SensorState, len(latest))
	for id, r := range latest {
		out[id] = r.State.Normalize()
	}
	return out
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    Counts
}

// Heartbeat decides when a periodic status event is due.
type Heartbeat struct {
	startTime     time.Time
	lastHeartbeat time.Time
}

// NewHeartbeat creates a heartbeat schedule starting at startTime.
func NewHeartbeat(startTime time.Time) *Heartbeat {
	return &Heartbeat{startTime: startTime, lastHeartbeat: startTime}
}

// Check returns heartbeat data if the interval has elapsed since the last
// heartbeat (or startup). Returns nil if the interval has not elapsed, or if
// interval is <= 0 (disabled).
func (h *Heartbeat) Check(now time.Time, interval time.Duration, counts Counts) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if now.Sub(h.lastHeartbeat) < interval {
		return nil
	}

	h.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(h.startTime),
		Counts:    counts,
	}
}
