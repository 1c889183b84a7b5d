package eventsource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suyash-sneo/tileacq"
	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/internal/memsink"
)

type targetState struct {
	started  int
	events   []acq.Event
	finished bool
	paused   bool
	cause    error
}

type fakeTarget struct {
	mu        sync.Mutex
	state     targetState
	submitErr error
}

func (f *fakeTarget) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.started++
	return nil
}

func (f *fakeTarget) Submit(_ context.Context, events []acq.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.state.events = append(f.state.events, events...)
	return nil
}

func (f *fakeTarget) FinishEvents(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.finished = true
	return nil
}

func (f *fakeTarget) AbortWithCause(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.cause = cause
}

func (f *fakeTarget) SetPaused(p bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.paused = p
}

func (f *fakeTarget) snapshot() targetState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	st.events = append([]acq.Event(nil), f.state.events...)
	return st
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(DefaultOptions(), nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, s.Close())
	})
	return s
}

func bind(t *testing.T, s *Server, target acq.Target) {
	t.Helper()
	require.NoError(t, s.SetAcquisition(acq.NewAcquisitionRef("sess-1", func() (acq.Target, bool) { return target, true })))
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPortIsBoundBeforeServe(t *testing.T) {
	s, err := New(DefaultOptions(), nil, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NotZero(t, s.Port())
	require.Contains(t, s.URL(), "/control")
}

func TestSetAcquisitionOnce(t *testing.T) {
	s, err := New(DefaultOptions(), nil, nil)
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.SetAcquisition(acq.AcquisitionRef{}))
	bind(t, s, &fakeTarget{})
	err = s.SetAcquisition(acq.NewAcquisitionRef("other", func() (acq.Target, bool) { return nil, false }))
	require.ErrorIs(t, err, ErrAlreadyBound)
}

func TestCommandsReachTarget(t *testing.T) {
	s := startServer(t)
	target := &fakeTarget{}
	bind(t, s, target)
	c := dial(t, s)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Acquire(ctx, acq.Event{Row: 1, Col: 2, Channel: "DAPI"}, acq.Event{Row: 1, Col: 3}))
	require.NoError(t, c.Pause(ctx, true))
	require.True(t, target.snapshot().paused)
	require.NoError(t, c.Pause(ctx, false))
	require.False(t, s.IsFinished())
	require.NoError(t, c.Finish(ctx))
	require.True(t, s.IsFinished())

	got := target.snapshot()
	require.Equal(t, 1, got.started)
	require.Len(t, got.events, 2)
	require.Equal(t, "DAPI", got.events[0].Channel)
	require.True(t, got.finished)
	require.False(t, got.paused)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Status{SessionID: "sess-1", Bound: true, Finished: true, Accepted: 2}, st)
}

func TestCommandErrorsAreReplied(t *testing.T) {
	s := startServer(t)
	target := &fakeTarget{submitErr: errors.New("queue full")}
	bind(t, s, target)
	c := dial(t, s)
	ctx := context.Background()

	err := c.Acquire(ctx, acq.Event{})
	require.ErrorContains(t, err, "queue full")
	_, err = c.Do(ctx, Command{Op: "warp"})
	require.ErrorContains(t, err, "unknown op")
	// the connection stays usable after a failed command
	require.NoError(t, c.Start(ctx))
}

func TestCommandsWithoutAcquisition(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	err := c.Start(context.Background())
	require.ErrorContains(t, err, ErrNotBound.Error())
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	require.False(t, st.Bound)
}

func TestRemoteAbortCarriesReason(t *testing.T) {
	s := startServer(t)
	target := &fakeTarget{}
	bind(t, s, target)
	c := dial(t, s)

	require.NoError(t, c.Abort(context.Background(), "stage collision"))
	require.Eventually(t, func() bool { return target.snapshot().cause != nil }, time.Second, 5*time.Millisecond)

	var remote *tileacq.RemoteAbortError
	require.ErrorAs(t, target.snapshot().cause, &remote)
	require.Equal(t, "stage collision", remote.Reason)
}

func TestAbortIsIdempotentAndClosesConnections(t *testing.T) {
	s := startServer(t)
	bind(t, s, &fakeTarget{})
	c := dial(t, s)
	require.NoError(t, c.Start(context.Background()))

	s.Abort()
	s.Abort()
	require.True(t, s.Aborted())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Status(ctx)
	require.Error(t, err)

	_, err = Dial(ctx, s.URL())
	require.Error(t, err)
}

func TestRemoteSessionEndToEnd(t *testing.T) {
	s := startServer(t)
	cfg := tileacq.DefaultConfig()
	cfg.SessionID = "e2e"
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Geometry = acq.Geometry{TileWidth: 8, TileHeight: 8, OverlapX: 2, OverlapY: 2, PixelSizeUm: 0.5}
	sink := memsink.New(cfg.Geometry)

	coord, err := tileacq.NewCoordinator(cfg, s, sink, nil, nil)
	require.NoError(t, err)
	require.Equal(t, s.Port(), coord.EventPort())

	c := dial(t, s)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Acquire(ctx, acq.Event{Row: 0, Col: 0}, acq.Event{Row: 0, Col: 1}))
	require.NoError(t, c.Finish(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, coord.Wait(waitCtx))
	require.True(t, coord.IsFinished())

	keys, err := coord.Storage().ListTiles(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestAcquireBeyondQueueDepthKeepsChannelLive(t *testing.T) {
	s := startServer(t)
	cfg := tileacq.DefaultConfig()
	cfg.SessionID = "backlog"
	cfg.QueueDepth = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Geometry = acq.Geometry{TileWidth: 2, TileHeight: 2, PixelSizeUm: 1}
	sink := memsink.New(cfg.Geometry)

	coord, err := tileacq.NewCoordinator(cfg, s, sink, nil, nil)
	require.NoError(t, err)

	c := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Acquire(ctx, acq.Event{Row: 0, Col: 0}, acq.Event{Row: 0, Col: 1}, acq.Event{Row: 0, Col: 2}))
	require.NoError(t, c.Pause(ctx, true))
	require.NoError(t, c.Acquire(ctx, acq.Event{Row: 1, Col: 0}))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Pause(ctx, false))
	require.NoError(t, c.Finish(ctx))

	require.NoError(t, coord.Wait(ctx))
	keys, err := coord.Storage().ListTiles(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 4)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, st.Accepted)
}

func TestRemoteAbortEndsSession(t *testing.T) {
	s := startServer(t)
	cfg := tileacq.DefaultConfig()
	cfg.SessionID = "e2e-abort"
	cfg.PollInterval = 5 * time.Millisecond

	coord, err := tileacq.NewCoordinator(cfg, s, nil, nil, nil)
	require.NoError(t, err)

	c := dial(t, s)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Abort(context.Background(), "operator"))

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = coord.Wait(waitCtx)
	var remote *tileacq.RemoteAbortError
	require.ErrorAs(t, err, &remote)
	require.True(t, coord.Aborted())
	require.True(t, s.Aborted())
}
