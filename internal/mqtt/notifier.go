package mqtt

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

type notification struct {
	change *logic.StateChange
	state  logic.ScanState
}

// Notifier forwards scan notifications to a Publisher from its own goroutine,
// so a slow broker never stalls correlation. Events that do not fit in the
// queue are dropped and logged.
type Notifier struct {
	pub    Publisher
	queue  chan notification
	now    func() time.Time
	logger *zap.Logger
}

// NewNotifier creates a notifier with room for size queued events.
func NewNotifier(pub Publisher, size int, logger *zap.Logger) *Notifier {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		pub:    pub,
		queue:  make(chan notification, size),
		now:    time.Now,
		logger: logger,
	}
}

func (n *Notifier) enqueue(ev notification) {
	select {
	case n.queue <- ev:
	default:
		fields := []zap.Field{zap.Int("capacity", cap(n.queue))}
		if ev.change != nil {
			fields = append(fields, zap.String("sensor_id", ev.change.SensorID), zap.String("state", string(ev.change.State)))
		}
		n.logger.Warn("mqtt notification queue full, dropping event", fields...)
	}
}

func (n *Notifier) SensorChanged(change logic.StateChange) {
	n.enqueue(notification{change: &change})
}

func (n *Notifier) ScanStateChanged(state logic.ScanState) {
	n.enqueue(notification{state: state})
}

// CountsChanged is a no-op; counts travel with the heartbeat.
func (n *Notifier) CountsChanged(logic.Counts) {}

// Run publishes queued events until ctx is done, then publishes whatever is
// still queued.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			n.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-n.queue:
					n.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) publish(ev notification) {
	if ev.change != nil {
		if err := n.pub.PublishSensor(*ev.change); err != nil {
			n.logger.Error("publish sensor change",
				zap.String("sensor_id", ev.change.SensorID),
				zap.Error(err),
			)
		}
		return
	}

	// Scan state is retained so a dashboard that connects mid-scan sees it.
	err := n.pub.PublishSystem(SystemEvent{
		Timestamp: n.now(),
		Event:     EventScanState,
		Reason:    string(ev.state),
		Retained:  true,
	})
	if err != nil {
		n.logger.Error("publish scan state", zap.String("state", string(ev.state)), zap.Error(err))
	}
}
