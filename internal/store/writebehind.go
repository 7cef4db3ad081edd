package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
	"github.com/sweeney/rfid-inspect/internal/metrics"
)

// Inserter writes one result record.
type Inserter interface {
	InsertResult(ctx context.Context, rec logic.ResultRecord) error
}

// WriteBehind is a bounded result queue drained by Run. Append never blocks;
// when the queue is full the oldest record is dropped.
type WriteBehind struct {
	inserter   Inserter
	capacity   int
	minBackoff time.Duration
	maxBackoff time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.Mutex
	queue []logic.ResultRecord
	busy  bool          // a record taken from queue is being written
	idle  bool          // empty is closed
	empty chan struct{} // closed while nothing is queued or in flight
	wake  chan struct{}
}

// WriteBehindOption configures a WriteBehind.
type WriteBehindOption func(*WriteBehind)

// WithBackoff sets the retry delay bounds.
func WithBackoff(initial, limit time.Duration) WriteBehindOption {
	return func(w *WriteBehind) {
		w.minBackoff = initial
		w.maxBackoff = limit
	}
}

// WithWriteMetrics records queue depth, writes and drops.
func WithWriteMetrics(m *metrics.Metrics) WriteBehindOption {
	return func(w *WriteBehind) { w.metrics = m }
}

// NewWriteBehind creates a queue holding at most capacity records.
func NewWriteBehind(inserter Inserter, capacity int, logger *zap.Logger, opts ...WriteBehindOption) *WriteBehind {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	empty := make(chan struct{})
	close(empty)
	w := &WriteBehind{
		inserter:   inserter,
		capacity:   capacity,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		logger:     logger,
		idle:       true,
		empty:      empty,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append queues rec for writing.
func (w *WriteBehind) Append(rec logic.ResultRecord) {
	w.mu.Lock()
	if w.idle {
		w.empty = make(chan struct{})
		w.idle = false
	}
	if len(w.queue) >= w.capacity {
		dropped := w.queue[0]
		w.queue = w.queue[1:]
		w.metrics.ResultDropped()
		w.logger.Error("result queue full, dropping oldest record",
			zap.String("sensor_id", dropped.SensorID),
			zap.String("session_id", dropped.SessionID),
			zap.Time("ts", dropped.Timestamp),
		)
	}
	w.queue = append(w.queue, rec)
	w.metrics.SetResultQueue(len(w.queue))
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of records not yet written.
func (w *WriteBehind) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if w.busy {
		n++
	}
	return n
}

// Run writes queued records in order until ctx is done. A failing write is
// retried with exponential backoff; later records wait behind it.
func (w *WriteBehind) Run(ctx context.Context) error {
	for {
		rec, ok := w.take()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
				continue
			}
		}

		if err := w.write(ctx, rec); err != nil {
			w.requeue(rec)
			return err
		}
		w.done()
	}
}

// Flush waits until every queued record has been written by Run.
func (w *WriteBehind) Flush(ctx context.Context) error {
	w.mu.Lock()
	empty := w.empty
	w.mu.Unlock()

	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriteBehind) take() (logic.ResultRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return logic.ResultRecord{}, false
	}
	rec := w.queue[0]
	w.queue = w.queue[1:]
	w.busy = true
	return rec, true
}

func (w *WriteBehind) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.metrics.SetResultQueue(len(w.queue))
	if len(w.queue) == 0 && !w.idle {
		close(w.empty)
		w.idle = true
	}
}

// requeue puts an unwritten record back at the front.
func (w *WriteBehind) requeue(rec logic.ResultRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.queue = append([]logic.ResultRecord{rec}, w.queue...)
}

func (w *WriteBehind) write(ctx context.Context, rec logic.ResultRecord) error {
	backoff := w.minBackoff
	for attempt := 1; ; attempt++ {
		err := w.inserter.InsertResult(ctx, rec)
		w.metrics.ResultWrite(err)
		if err == nil {
			return nil
		}
		w.logger.Warn("result write failed, retrying",
			zap.String("sensor_id", rec.SensorID),
			zap.String("session_id", rec.SessionID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}
