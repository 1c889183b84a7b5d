package tileacq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/xytiling"
)

// acquisition holds the state shared by every tiled acquisition: the event
// backlog, the processing goroutine, the pause gate and the sink write path.
type acquisition struct {
	cfg        Config
	sink       acq.StorageSink
	translator *xytiling.Translator
	images     ImageSource
	logger     Logger
	metrics    Metrics
	onFailure  func(error)

	// cancelled by teardown; every processing context derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	// submit never blocks on processing, so a control channel that queues
	// events before start or while paused can still deliver start or resume.
	queueMu   sync.Mutex
	pending   []acq.Event
	closed    bool
	overDepth bool
	ready     chan struct{}

	runMu   sync.Mutex
	started bool
	stopped bool
	done    chan struct{}

	aborting atomic.Bool

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}
}

func newAcquisition(cfg Config, sink acq.StorageSink, translator *xytiling.Translator, images ImageSource, logger Logger, metrics Metrics) *acquisition {
	ctx, cancel := context.WithCancel(context.Background())
	return &acquisition{
		cfg:        cfg,
		sink:       sink,
		translator: translator,
		images:     images,
		logger:     logger,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make([]acq.Event, 0, cfg.QueueDepth),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// start launches the processing goroutine once. Later calls are no-ops.
func (a *acquisition) start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.stopped {
		return ErrAborted
	}
	if a.started {
		return nil
	}
	a.started = true

	runCtx, runCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.ctx, runCancel)
	go func() {
		defer runCancel()
		defer stop()
		err := a.process(runCtx)
		close(a.done)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("acquisition processing failed", Field{Key: "err", Value: err})
			if a.onFailure != nil {
				a.onFailure(err)
			}
		}
	}()
	return nil
}

func (a *acquisition) submit(ctx context.Context, events []acq.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.queueMu.Lock()
	if a.aborting.Load() {
		a.queueMu.Unlock()
		return ErrAborted
	}
	if a.closed {
		a.queueMu.Unlock()
		return ErrEventsFinished
	}
	a.pending = append(a.pending, events...)
	depth := len(a.pending)
	crossed := depth > a.cfg.QueueDepth && !a.overDepth
	a.overDepth = depth > a.cfg.QueueDepth
	a.queueMu.Unlock()

	a.notify()
	a.metrics.SetGauge("tileacq_event_queue_depth", float64(depth))
	if crossed {
		a.logger.Warn("event backlog above queue depth",
			Field{Key: "backlog", Value: depth},
			Field{Key: "queueDepth", Value: a.cfg.QueueDepth},
		)
	}
	return nil
}

// finishEvents closes the backlog; processing finishes the sink once it drains.
func (a *acquisition) finishEvents() error {
	a.queueMu.Lock()
	if a.aborting.Load() {
		a.queueMu.Unlock()
		return ErrAborted
	}
	if a.closed {
		a.queueMu.Unlock()
		return nil
	}
	a.closed = true
	a.queueMu.Unlock()
	a.notify()
	return nil
}

func (a *acquisition) notify() {
	select {
	case a.ready <- struct{}{}:
	default:
	}
}

// next pops the oldest pending event. It reports false once the backlog is
// closed and drained.
func (a *acquisition) next(ctx context.Context) (acq.Event, bool, error) {
	for {
		a.queueMu.Lock()
		if a.aborting.Load() {
			a.queueMu.Unlock()
			return acq.Event{}, false, context.Canceled
		}
		if len(a.pending) > 0 {
			ev := a.pending[0]
			a.pending[0] = acq.Event{}
			a.pending = a.pending[1:]
			depth := len(a.pending)
			if depth <= a.cfg.QueueDepth {
				a.overDepth = false
			}
			a.queueMu.Unlock()
			a.metrics.SetGauge("tileacq_event_queue_depth", float64(depth))
			return ev, true, nil
		}
		closed := a.closed
		a.queueMu.Unlock()
		if closed {
			return acq.Event{}, false, nil
		}
		select {
		case <-a.ready:
		case <-ctx.Done():
			return acq.Event{}, false, ctx.Err()
		}
	}
}

func (a *acquisition) process(ctx context.Context) error {
	for {
		if err := a.waitIfPaused(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, ok, err := a.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return a.finishSink(ctx)
		}
		if err := a.acquireTile(ctx, ev); err != nil {
			return fmt.Errorf("acquire tile %s: %w", ev.Key(), err)
		}
	}
}

func (a *acquisition) acquireTile(ctx context.Context, ev acq.Event) error {
	start := time.Now()
	at := a.translator.StagePosition(ev.Row, ev.Col)
	if a.cfg.Debug {
		a.logger.Debug("acquiring tile",
			Field{Key: "tile", Value: ev.Key()},
			Field{Key: "stageX", Value: at.X},
			Field{Key: "stageY", Value: at.Y},
		)
	}

	width, height, pixels := ev.Width, ev.Height, ev.Pixels
	if len(pixels) == 0 {
		var err error
		width, height, pixels, err = a.images.Snap(ctx, ev, at)
		if err != nil {
			return fmt.Errorf("snap: %w", err)
		}
	}
	if a.sink == nil {
		a.metrics.IncCounter("tileacq_tiles_discarded_total", 1)
		return nil
	}
	tile := acq.Tile{
		Key:        ev.Key(),
		Row:        ev.Row,
		Col:        ev.Col,
		Channel:    ev.Channel,
		Axes:       ev.Axes,
		StageX:     at.X,
		StageY:     at.Y,
		Width:      width,
		Height:     height,
		Pixels:     pixels,
		AcquiredAt: start.UTC(),
	}
	if err := a.sink.PutTile(ctx, tile); err != nil {
		return fmt.Errorf("put tile: %w", err)
	}
	a.metrics.IncCounter("tileacq_tiles_acquired_total", 1, Label{Name: "channel", Value: ev.Channel})
	a.metrics.ObserveHistogram("tileacq_tile_seconds", time.Since(start).Seconds())
	return nil
}

func (a *acquisition) finishSink(ctx context.Context) error {
	a.logger.Info("event stream drained")
	if a.sink == nil {
		return nil
	}
	if err := a.sink.Finish(ctx); err != nil {
		return fmt.Errorf("finish sink: %w", err)
	}
	return nil
}

func (a *acquisition) setPaused(paused bool) {
	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()
	if a.paused == paused {
		return
	}
	a.paused = paused
	if paused {
		a.resume = make(chan struct{})
	} else {
		close(a.resume)
	}
}

func (a *acquisition) isPaused() bool {
	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()
	return a.paused
}

func (a *acquisition) waitIfPaused(ctx context.Context) error {
	a.pauseMu.Lock()
	paused, resume := a.paused, a.resume
	a.pauseMu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown releases the acquisition's own resources. Panics are converted to
// a TeardownError so the caller can keep going.
func (a *acquisition) teardown() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TeardownError{Op: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	a.aborting.Store(true)
	a.cancel()

	a.queueMu.Lock()
	a.closed = true
	a.pending = nil
	a.queueMu.Unlock()

	a.runMu.Lock()
	started := a.started
	a.stopped = true
	a.runMu.Unlock()

	var errs []error
	if started {
		select {
		case <-a.done:
		case <-time.After(a.cfg.AbortTimeout):
			errs = append(errs, &TeardownError{Op: "drain", Err: fmt.Errorf("processing still running after %s", a.cfg.AbortTimeout)})
		}
	}
	if a.sink != nil {
		if err := a.sink.Abort(); err != nil {
			errs = append(errs, &TeardownError{Op: "sink abort", Err: err})
		}
	}
	return errors.Join(errs...)
}

// blankFrames returns zero-filled frames of the configured tile size.
func blankFrames(g acq.Geometry) ImageSource {
	return ImageSourceFunc(func(ctx context.Context, _ acq.Event, _ xytiling.Point) (int, int, []uint16, error) {
		if err := ctx.Err(); err != nil {
			return 0, 0, nil, err
		}
		return g.TileWidth, g.TileHeight, make([]uint16, g.TileWidth*g.TileHeight), nil
	})
}
