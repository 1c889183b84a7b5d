package tileacq

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/coord"
	"github.com/suyash-sneo/tileacq/xytiling"
)

// State is the lifecycle state of a Coordinator.
type State int32

const (
	StateRunning State = iota
	StateAborting
	StateAborted
	// StateFinished is observed, never stored: it is reported when the
	// coordinator is still running and every collaborator has finished.
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateAborted || s == StateFinished
}

// Coordinator owns a tiled acquisition whose events come from a remote
// process. It keeps the event source, the storage sink and the stage
// translator in a consistent terminal state.
type Coordinator struct {
	cfg         Config
	sessionID   string
	eventSource acq.EventSource
	sink        acq.StorageSink
	translator  *xytiling.Translator
	base        *acquisition
	logger      Logger
	metrics     Metrics

	images     ImageSource
	sessionIDs SessionIDProvider

	state atomic.Int32
	mu    sync.Mutex
	cause error
}

var (
	_ LifecycleControl  = (*Coordinator)(nil)
	_ ViewerAcquisition = (*Coordinator)(nil)
	_ RemoteCompatible  = (*Coordinator)(nil)
	_ acq.Target        = (*Coordinator)(nil)
)

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithImageSource sets where pixels come from for events without inline frames.
func WithImageSource(src ImageSource) CoordinatorOption {
	return func(c *Coordinator) { c.images = src }
}

// WithSessionIDProvider overrides how the session id is chosen when
// Config.SessionID is empty.
func WithSessionIDProvider(p SessionIDProvider) CoordinatorOption {
	return func(c *Coordinator) { c.sessionIDs = p }
}

// NewCoordinator constructs a Coordinator and binds it into eventSource.
// sink may be nil, in which case nothing is persisted.
func NewCoordinator(cfg Config, eventSource acq.EventSource, sink acq.StorageSink, logger Logger, metrics Metrics, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if isNil(eventSource) {
		return nil, configErrorf("event source required")
	}
	if isNil(sink) {
		sink = nil
	}
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	geometry := cfg.Geometry
	if sink != nil {
		geometry = sink.Geometry()
	}
	translator, err := xytiling.NewTranslator(geometry, xytiling.Point{X: cfg.StageOriginX, Y: cfg.StageOriginY})
	if err != nil {
		return nil, fmt.Errorf("%w: stage translator: %w", ErrConfiguration, err)
	}

	c := &Coordinator{
		cfg:         cfg,
		eventSource: eventSource,
		sink:        sink,
		translator:  translator,
		logger:      logger,
		metrics:     metrics,
		sessionIDs:  NewDefaultSessionIDProvider(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.SessionID != "" {
		c.sessionIDs = staticSessionID(cfg.SessionID)
	}
	c.sessionID, err = c.sessionIDs.SessionID()
	if err != nil {
		return nil, fmt.Errorf("%w: session id: %w", ErrConfiguration, err)
	}
	if c.images == nil {
		c.images = blankFrames(geometry)
	}
	c.base = newAcquisition(cfg, sink, translator, c.images, logger, metrics)
	c.base.onFailure = c.AbortWithCause

	ref := weak.Make(c)
	bind := acq.NewAcquisitionRef(c.sessionID, func() (acq.Target, bool) {
		if target := ref.Value(); target != nil {
			return target, true
		}
		return nil, false
	})
	if err := eventSource.SetAcquisition(bind); err != nil {
		return nil, fmt.Errorf("%w: bind event source: %w", ErrConfiguration, err)
	}

	logger.Info("acquisition created",
		Field{Key: "session", Value: c.sessionID},
		Field{Key: "port", Value: eventSource.Port()},
		Field{Key: "storage", Value: sink != nil},
		Field{Key: "debug", Value: cfg.Debug},
	)
	return c, nil
}

// SessionID returns the id the session was registered under.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Debug reports whether the coordinator was built in debug mode.
func (c *Coordinator) Debug() bool { return c.cfg.Debug }

// Storage returns the sink's storage handle, or nil when no sink is bound.
func (c *Coordinator) Storage() acq.TileStore {
	if c.sink == nil {
		return nil
	}
	return c.sink.Storage()
}

// EventPort returns the control channel port of the event source.
func (c *Coordinator) EventPort() int {
	return c.eventSource.Port()
}

// PixelStageTranslator returns the translator built at construction.
func (c *Coordinator) PixelStageTranslator() *xytiling.Translator {
	return c.translator
}

// IsFinished reports whether the event source has finished and the sink, if
// any, has persisted everything. It never blocks.
func (c *Coordinator) IsFinished() bool {
	if c.sink != nil {
		return c.eventSource.IsFinished() && c.sink.IsFinished()
	}
	return c.eventSource.IsFinished()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	s := State(c.state.Load())
	if s == StateRunning && c.IsFinished() {
		return StateFinished
	}
	return s
}

// AbortRequested reports whether abort has started.
func (c *Coordinator) AbortRequested() bool {
	return State(c.state.Load()) != StateRunning
}

// Aborted reports whether the session ended through abort.
func (c *Coordinator) Aborted() bool {
	return State(c.state.Load()) == StateAborted
}

// Cause returns the error recorded by AbortWithCause, or nil.
func (c *Coordinator) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Start begins processing queued events. Safe to call more than once.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.AbortRequested() {
		return ErrAborted
	}
	if err := c.base.start(ctx); err != nil {
		return err
	}
	c.logger.Debug("acquisition started", Field{Key: "session", Value: c.sessionID})
	return nil
}

// Submit queues acquisition events.
func (c *Coordinator) Submit(ctx context.Context, events []acq.Event) error {
	if c.AbortRequested() {
		return ErrAborted
	}
	return c.base.submit(ctx, events)
}

// FinishEvents marks the end of the event stream. The sink is finished once
// every queued event has been written.
func (c *Coordinator) FinishEvents(ctx context.Context) error {
	if err := c.base.finishEvents(); err != nil {
		return err
	}
	c.logger.Info("event stream finished", Field{Key: "session", Value: c.sessionID})
	return nil
}

// SetPaused pauses or resumes event processing.
func (c *Coordinator) SetPaused(paused bool) {
	c.base.setPaused(paused)
	c.logger.Info("acquisition pause toggled", Field{Key: "paused", Value: paused})
}

// IsPaused reports whether event processing is paused.
func (c *Coordinator) IsPaused() bool {
	return c.base.isPaused()
}

// Abort stops the acquisition and signals the event source to abort.
func (c *Coordinator) Abort() {
	c.abort(nil)
}

// AbortWithCause is Abort with cause recorded as the terminal error.
func (c *Coordinator) AbortWithCause(cause error) {
	c.abort(cause)
}

func (c *Coordinator) abort(cause error) {
	first := c.beginAbort(cause)
	if first {
		c.logger.Warn("aborting acquisition",
			Field{Key: "session", Value: c.sessionID},
			Field{Key: "cause", Value: cause},
		)
		if err := c.base.teardown(); err != nil {
			c.logger.Error("acquisition teardown failed", Field{Key: "session", Value: c.sessionID}, Field{Key: "err", Value: err})
			c.metrics.IncCounter("tileacq_teardown_errors_total", 1)
		}
	}
	c.signalEventSource()
	if first {
		c.state.Store(int32(StateAborted))
		c.metrics.IncCounter("tileacq_aborts_total", 1)
		c.logger.Info("acquisition aborted", Field{Key: "session", Value: c.sessionID})
	}
}

// beginAbort moves Running to Aborting and records cause. It returns false
// when another abort got there first or the session already finished.
func (c *Coordinator) beginAbort(cause error) bool {
	if State(c.state.Load()) == StateRunning && c.IsFinished() {
		c.logger.Debug("abort after finish, keeping finished outcome", Field{Key: "session", Value: c.sessionID})
		return false
	}
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateAborting)) {
		return false
	}
	c.mu.Lock()
	c.cause = cause
	c.mu.Unlock()
	return true
}

func (c *Coordinator) signalEventSource() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event source abort panicked", Field{Key: "session", Value: c.sessionID}, Field{Key: "panic", Value: r})
		}
	}()
	c.eventSource.Abort()
}

// Wait blocks until the session finishes or is aborted. It returns nil on
// normal completion and the abort cause (or ErrAborted) otherwise.
func (c *Coordinator) Wait(ctx context.Context) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		switch c.State() {
		case StateFinished:
			return nil
		case StateAborted:
			if cause := c.Cause(); cause != nil {
				return cause
			}
			return ErrAborted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Status returns a snapshot suitable for publishing to a coord.Store.
func (c *Coordinator) Status() coord.Status {
	st := coord.Status{
		SessionID:      c.sessionID,
		State:          c.State().String(),
		Port:           c.EventPort(),
		EventsFinished: c.eventSource.IsFinished(),
		SinkFinished:   c.sink == nil || c.sink.IsFinished(),
		UpdatedAt:      time.Now().UTC(),
	}
	if cause := c.Cause(); cause != nil {
		st.Cause = cause.Error()
	}
	return st
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
