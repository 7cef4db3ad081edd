package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/debounce"
	"github.com/sweeney/rfid-inspect/internal/index"
	"github.com/sweeney/rfid-inspect/internal/logic"
	"github.com/sweeney/rfid-inspect/internal/metrics"
)

// Config wires a Controller to its collaborators. Uploader, Notifier and
// Metrics are optional.
type Config struct {
	StructureID string
	Technician  string
	Window      time.Duration

	Index    *index.Index
	Driver   Driver
	Loader   SensorLoader
	Sessions Sessions
	Sink     ResultSink
	Uploader Uploader
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Now replaces time.Now for session and result timestamps.
	Now func() time.Time

	// BufferOptions are applied to every debounce buffer the controller creates.
	BufferOptions []debounce.Option
}

// Controller runs the NOT_STARTED -> STARTED <-> PAUSED -> STOPPED machine
// for one structure.
type Controller struct {
	cfg      Config
	engine   *Engine
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	// opMu serializes Load, Start, Pause and Stop, including their
	// notifications, so listeners see transitions in the order they happened.
	opMu   sync.Mutex
	loaded bool

	// gate is held for writing while the scan enters or leaves STARTED and
	// for reading while an expired chip is processed.
	gate   sync.RWMutex
	buffer *debounce.Buffer // active only while STARTED

	mu      sync.Mutex
	state   logic.ScanState
	session *logic.Session
	results int // recorded results in the session, including resumed ones
}

// NewController creates a controller in NOT_STARTED.
func NewController(cfg Config) *Controller {
	if cfg.Index == nil {
		cfg.Index = index.New()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	c := &Controller{
		cfg:      cfg,
		notifier: notifier,
		logger:   cfg.Logger.With(zap.String("structure_id", cfg.StructureID)),
		now:      cfg.Now,
		state:    logic.ScanNotStarted,
	}
	c.engine = NewEngine(cfg.Index, c, notifier, cfg.Metrics, c.logger, cfg.Now)
	cfg.Metrics.SetScanState(c.state)
	return c
}

// Engine returns the controller's correlation engine.
func (c *Controller) Engine() *Engine {
	return c.engine
}

// Index returns the sensor index the controller maintains.
func (c *Controller) Index() *index.Index {
	return c.cfg.Index
}

// Sensors returns the loaded sensors with their current states.
func (c *Controller) Sensors() []logic.Sensor {
	return c.cfg.Index.Sensors()
}

// State returns the current scan state.
func (c *Controller) State() logic.ScanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current or last session.
func (c *Controller) Session() (logic.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return logic.Session{}, false
	}
	return *c.session, true
}

// Results returns the number of results recorded in the session.
func (c *Controller) Results() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results
}

// Load fetches the structure's sensors into the index.
func (c *Controller) Load(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() == logic.ScanStopped {
		return ErrStopped
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	c.emitCounts()
	return nil
}

func (c *Controller) load(ctx context.Context) error {
	sensors, err := c.cfg.Loader.LoadSensors(ctx, c.cfg.StructureID)
	if err != nil {
		return fmt.Errorf("load sensors: %w", err)
	}
	c.gate.Lock()
	c.cfg.Index.Load(sensors)
	c.gate.Unlock()
	c.loaded = true
	c.logger.Info("loaded sensors", zap.Int("count", len(sensors)))
	return nil
}

// Start begins or resumes scanning. The first Start opens the structure's
// session, resuming an unfinished one; later calls while PAUSED resume it.
// Starting while STARTED is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case logic.ScanStarted:
		return nil
	case logic.ScanStopped:
		return ErrStopped
	}

	if !c.loaded {
		if err := c.load(ctx); err != nil {
			return err
		}
	}

	var buf *debounce.Buffer
	buf = debounce.New(c.cfg.Window, func(chipID string) {
		c.expire(chipID, buf)
	}, c.logger, append([]debounce.Option{debounce.WithMetrics(c.cfg.Metrics)}, c.cfg.BufferOptions...)...)

	if err := c.cfg.Driver.Enable(func(r logic.Reading) {
		c.cfg.Metrics.Reading()
		buf.Add(r.ChipID)
	}); err != nil {
		buf.Stop()
		c.logger.Warn("reader unavailable, scan not started", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}

	// session is only written with opMu held.
	var opened *logic.Session
	var prior []logic.ResultRecord
	if c.session == nil {
		sess, records, err := c.cfg.Sessions.OpenOrResume(ctx, c.cfg.StructureID, c.cfg.Technician, c.now())
		if err != nil {
			buf.Stop()
			c.disableDriver()
			return fmt.Errorf("open session: %w", err)
		}
		opened, prior = &sess, records
	}

	c.gate.Lock()
	if opened != nil {
		c.cfg.Index.ResetStates()
		for sensorID, state := range logic.LatestStates(prior) {
			c.cfg.Index.UpdateState(sensorID, state)
		}
	}
	c.buffer = buf
	c.mu.Lock()
	if opened != nil {
		c.session = opened
		c.results = len(prior)
	}
	c.state = logic.ScanStarted
	c.mu.Unlock()
	c.gate.Unlock()

	if opened != nil {
		c.logger.Info("scan session opened",
			zap.String("session_id", opened.ID),
			zap.Int("resumed_results", len(prior)),
		)
	}
	c.emitState(logic.ScanStarted)
	c.emitCounts()
	return nil
}

// Pause stops the reader and the debounce buffer, keeping the session and
// the index. Pausing while PAUSED is a no-op.
func (c *Controller) Pause() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case logic.ScanPaused:
		return nil
	case logic.ScanNotStarted:
		return ErrNotStarted
	case logic.ScanStopped:
		return ErrStopped
	}

	c.halt()
	c.emitState(logic.ScanPaused)
	return nil
}

// Stop ends the session: the reader and buffer are halted, the session is
// closed, a session with results is handed to the uploader, and the index is
// cleared. If the session cannot be closed the scan is left PAUSED.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	state := c.State()
	if state == logic.ScanStopped {
		return nil
	}
	wasStarted := state == logic.ScanStarted
	if wasStarted {
		c.halt()
	}

	sess := c.session
	if sess != nil {
		at := c.now()
		if err := c.cfg.Sessions.Close(ctx, sess.ID, at); err != nil {
			if wasStarted {
				c.emitState(logic.ScanPaused)
			}
			return fmt.Errorf("close session: %w", err)
		}
		ended := *sess
		ended.EndedAt = &at
		sess = &ended
	}

	c.gate.Lock()
	c.cfg.Index.Clear()
	c.mu.Lock()
	c.session = sess
	c.state = logic.ScanStopped
	results := c.results
	c.mu.Unlock()
	c.gate.Unlock()
	c.loaded = false

	if sess != nil {
		c.logger.Info("scan session closed",
			zap.String("session_id", sess.ID),
			zap.Int("results", results),
		)
		if f, ok := c.cfg.Sink.(Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				c.logger.Error("flush results before upload", zap.Error(err))
			}
		}
		if results > 0 && c.cfg.Uploader != nil {
			if err := c.cfg.Uploader.Upload(ctx, *sess, results); err != nil {
				c.logger.Error("session upload hand-off failed",
					zap.String("session_id", sess.ID),
					zap.Error(err),
				)
			}
		}
	}

	c.emitState(logic.ScanStopped)
	c.emitCounts()
	return nil
}

// expire handles a chip that aged out of buf. Chips from a buffer that is no
// longer active are dropped, so a pause never races a decision into the
// index without its result record.
func (c *Controller) expire(chipID string, buf *debounce.Buffer) {
	c.gate.RLock()
	if c.buffer != buf {
		c.gate.RUnlock()
		return
	}
	change, ok := c.engine.Apply(chipID, buf)
	c.gate.RUnlock()

	if ok && change.Alert() {
		c.AutoPause(change)
	}
}

// Record implements Recorder. Results are only recorded while STARTED.
func (c *Controller) Record(sensorID string, state logic.SensorState, at time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != logic.ScanStarted || c.session == nil {
		return "", false
	}
	c.cfg.Sink.Append(logic.ResultRecord{
		SensorID:  sensorID,
		SessionID: c.session.ID,
		Timestamp: at,
		State:     state,
	})
	c.results++
	return c.session.ID, true
}

// AutoPause implements Recorder: NOK and DEFECTIVE pause the scan so the
// inspector can look at the sensor.
func (c *Controller) AutoPause(change logic.StateChange) {
	if err := c.Pause(); err != nil {
		c.logger.Debug("auto-pause skipped", zap.Error(err))
		return
	}
	c.logger.Warn("scan paused on alert",
		zap.String("sensor", change.SensorName),
		zap.String("state", string(change.State)),
		zap.String("previous", string(change.Previous)),
	)
}

// halt moves a STARTED scan to PAUSED. Once the gate is released no expired
// chip is being processed. The reader is disabled after that, outside mu.
func (c *Controller) halt() {
	c.gate.Lock()
	if c.buffer != nil {
		c.buffer.Stop()
		c.buffer = nil
	}
	c.mu.Lock()
	c.state = logic.ScanPaused
	c.mu.Unlock()
	c.gate.Unlock()

	c.disableDriver()
}

func (c *Controller) disableDriver() {
	if err := c.cfg.Driver.Disable(); err != nil {
		c.logger.Error("disable reader", zap.Error(err))
	}
}

func (c *Controller) emitState(state logic.ScanState) {
	c.cfg.Metrics.SetScanState(state)
	c.notifier.ScanStateChanged(state)
}

func (c *Controller) emitCounts() {
	counts := c.cfg.Index.Counts()
	c.cfg.Metrics.SetCounts(counts)
	c.notifier.CountsChanged(counts)
}
