package tileacq

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suyash-sneo/tileacq/coord"
)

// Supervisor watches a Coordinator from outside: it publishes status to a
// coord.Store, enforces the session deadline and records the terminal state.
type Supervisor struct {
	cfg     Config
	acq     *Coordinator
	store   coord.Store
	logger  Logger
	metrics Metrics
}

// NewSupervisor constructs a Supervisor. store may be nil, in which case
// nothing is published.
func NewSupervisor(cfg Config, c *Coordinator, store coord.Store, logger Logger, metrics Metrics) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Supervisor{
		cfg:     cfg,
		acq:     c,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Run blocks until the session reaches a terminal state. Cancelling ctx
// aborts the session with ctx's error as cause. It returns nil when the
// session finished normally and the abort cause (or ErrAborted) otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	terminal := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watchLoop(gctx, terminal) })
	if s.store != nil {
		g.Go(func() error { s.heartbeatLoop(gctx, terminal); return nil })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	final := s.acq.State()
	s.publishTerminal()
	s.metrics.SetGauge("tileacq_session_terminal", 1, Label{Name: "state", Value: final.String()})
	s.logger.Info("session ended", Field{Key: "session", Value: s.acq.SessionID()}, Field{Key: "state", Value: final})
	if final == StateFinished {
		return nil
	}
	if cause := s.acq.Cause(); cause != nil {
		return cause
	}
	return ErrAborted
}

func (s *Supervisor) watchLoop(ctx context.Context, terminal chan<- struct{}) error {
	defer close(terminal)

	var deadline <-chan time.Time
	if s.cfg.Deadline > 0 {
		timer := time.NewTimer(s.cfg.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if s.acq.State().Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			if !s.acq.State().Terminal() {
				s.logger.Warn("supervisor cancelled, aborting session", Field{Key: "session", Value: s.acq.SessionID()})
				s.acq.AbortWithCause(context.Cause(ctx))
			}
			return nil
		case <-deadline:
			s.logger.Warn("session deadline exceeded", Field{Key: "session", Value: s.acq.SessionID()}, Field{Key: "deadline", Value: s.cfg.Deadline})
			s.metrics.IncCounter("tileacq_deadline_aborts_total", 1)
			s.acq.AbortWithCause(ErrDeadlineExceeded)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, terminal <-chan struct{}) {
	failures := 0
	for {
		wait := s.cfg.StatusInterval
		if err := s.publish(ctx); err != nil {
			s.logger.Warn("status publish failed", Field{Key: "session", Value: s.acq.SessionID()}, Field{Key: "err", Value: err})
			wait = s.cfg.StoreErrorBackoff.Next(failures)
			failures++
		} else {
			failures = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-terminal:
			return
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) publish(ctx context.Context) error {
	if err := s.store.HeartbeatSession(ctx, s.acq.SessionID(), s.cfg.StatusTTL); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if err := s.store.PutStatus(ctx, s.acq.Status(), s.cfg.StatusTTL); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

func (s *Supervisor) publishTerminal() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := s.store.MarkTerminal(ctx, s.acq.Status())
	if err != nil {
		s.logger.Warn("terminal status publish failed", Field{Key: "session", Value: s.acq.SessionID()}, Field{Key: "err", Value: err})
		return
	}
	if !ok {
		s.logger.Debug("terminal status already recorded", Field{Key: "session", Value: s.acq.SessionID()})
	}
}
