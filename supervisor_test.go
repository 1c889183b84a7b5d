package tileacq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/suyash-sneo/tileacq/internal/fakestore"
)

func TestSupervisorAbortsOnDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Deadline = 30 * time.Millisecond
	es := newFakeEventSource(1)
	c := newTestCoordinator(t, es, nil)
	store := fakestore.New()

	sup, err := NewSupervisor(cfg, c, store, NopLogger(), NopMetrics())
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if err := sup.Run(context.Background()); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !c.Aborted() || es.aborts.Load() != 1 {
		t.Fatalf("expected aborted coordinator with one event source abort, aborted=%v aborts=%d", c.Aborted(), es.aborts.Load())
	}

	st, ok, err := store.GetStatus(context.Background(), c.SessionID())
	if err != nil || !ok {
		t.Fatalf("terminal status missing: ok=%v err=%v", ok, err)
	}
	if st.State != StateAborted.String() || st.Cause != ErrDeadlineExceeded.Error() {
		t.Fatalf("unexpected terminal status %+v", st)
	}
}

func TestSupervisorAbortsOnCancel(t *testing.T) {
	es := newFakeEventSource(1)
	c := newTestCoordinator(t, es, nil)

	sup, err := NewSupervisor(testConfig(), c, nil, NopLogger(), NopMetrics())
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if err := sup.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled cause, got %v", err)
	}
	if !c.Aborted() {
		t.Fatalf("expected coordinator to be aborted")
	}
}

func TestSupervisorReturnsNilWhenFinished(t *testing.T) {
	es := newFakeEventSource(1)
	c := newTestCoordinator(t, es, nil)
	store := fakestore.New()

	sup, err := NewSupervisor(testConfig(), c, store, NopLogger(), NopMetrics())
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	time.AfterFunc(20*time.Millisecond, func() { es.finished.Store(true) })

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("expected clean finish, got %v", err)
	}
	st, ok, err := store.GetStatus(context.Background(), c.SessionID())
	if err != nil || !ok {
		t.Fatalf("terminal status missing: ok=%v err=%v", ok, err)
	}
	if st.State != StateFinished.String() || !st.EventsFinished || !st.SinkFinished {
		t.Fatalf("unexpected terminal status %+v", st)
	}
	if es.aborts.Load() != 0 {
		t.Fatalf("finished session should not abort the event source")
	}
}

func TestSupervisorHeartbeatsWhileRunning(t *testing.T) {
	es := newFakeEventSource(1)
	c := newTestCoordinator(t, es, nil)
	store := fakestore.New()

	sup, err := NewSupervisor(testConfig(), c, store, NopLogger(), NopMetrics())
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		st, ok, _ := store.GetStatus(context.Background(), c.SessionID())
		return ok && st.State == StateRunning.String()
	})
	sessions, err := store.ListSessions(context.Background())
	if err != nil || len(sessions) != 1 || sessions[0] != c.SessionID() {
		t.Fatalf("expected heartbeat for session, got %v err=%v", sessions, err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel cause, got %v", err)
	}
}

func TestSupervisorSurvivesStoreErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Deadline = 60 * time.Millisecond
	cfg.StoreErrorBackoff = BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	es := newFakeEventSource(1)
	c := newTestCoordinator(t, es, nil)
	store := fakestore.New()
	store.SetErr(errors.New("redis down"))

	sup, err := NewSupervisor(cfg, c, store, NopLogger(), NopMetrics())
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	if err := sup.Run(context.Background()); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error despite store failures, got %v", err)
	}
	store.SetErr(nil)
	if _, ok, _ := store.GetStatus(context.Background(), c.SessionID()); ok {
		t.Fatalf("no status should have been written while the store was failing")
	}
}

func TestNewSupervisorValidates(t *testing.T) {
	if _, err := NewSupervisor(testConfig(), nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil coordinator")
	}
	cfg := testConfig()
	cfg.StatusTTL = cfg.StatusInterval
	c := newTestCoordinator(t, newFakeEventSource(1), nil)
	if _, err := NewSupervisor(cfg, c, nil, nil, nil); err == nil {
		t.Fatalf("expected config validation error")
	}
}
