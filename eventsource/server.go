// Package eventsource implements the remote control channel: a WebSocket
// endpoint that turns JSON commands from the remote process into calls on
// the bound acquisition.
package eventsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suyash-sneo/tileacq"
	"github.com/suyash-sneo/tileacq/acq"
)

var (
	// ErrAlreadyBound is returned by SetAcquisition after the first bind.
	ErrAlreadyBound = errors.New("eventsource: acquisition already bound")
	// ErrNotBound is reported to the remote when no live acquisition is bound.
	ErrNotBound = errors.New("eventsource: no acquisition bound")
)

// Options configures the control channel listener.
type Options struct {
	Addr         string
	Path         string
	ReadLimit    int64
	WriteTimeout time.Duration
}

// DefaultOptions listens on an ephemeral loopback port.
func DefaultOptions() Options {
	return Options{
		Addr:         "127.0.0.1:0",
		Path:         "/control",
		ReadLimit:    64 << 20,
		WriteTimeout: 5 * time.Second,
	}
}

func (o Options) validate() error {
	if o.Addr == "" {
		return fmt.Errorf("Addr required")
	}
	if o.Path == "" || o.Path[0] != '/' {
		return fmt.Errorf("Path must start with /")
	}
	if o.ReadLimit <= 0 {
		return fmt.Errorf("ReadLimit must be >0")
	}
	if o.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be >0")
	}
	return nil
}

// Server is an acq.EventSource backed by a WebSocket listener. The port is
// bound in New so it can be reported before Serve runs.
type Server struct {
	opts     Options
	logger   tileacq.Logger
	metrics  tileacq.Metrics
	ln       net.Listener
	port     int
	http     *http.Server
	upgrader websocket.Upgrader

	// cancelled on shutdown; command handling runs under it.
	ctx    context.Context
	cancel context.CancelFunc

	bindMu sync.Mutex
	ref    acq.AcquisitionRef
	bound  bool

	finished atomic.Bool
	aborted  atomic.Bool
	accepted atomic.Int64

	connMu   sync.Mutex
	conns    map[*websocket.Conn]struct{}
	closed   bool
	handlers sync.WaitGroup
	stopOnce sync.Once
}

var _ acq.EventSource = (*Server)(nil)

// New binds the listener. Call Serve to accept connections.
func New(opts Options, logger tileacq.Logger, metrics tileacq.Metrics) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("eventsource options: %w", err)
	}
	if logger == nil {
		logger = tileacq.NopLogger()
	}
	if metrics == nil {
		metrics = tileacq.NopMetrics()
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		ln:      ln,
		port:    ln.Addr().(*net.TCPAddr).Port,
		ctx:     ctx,
		cancel:  cancel,
		conns:   map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, s.handleControl)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Port returns the TCP port the control channel listens on.
func (s *Server) Port() int { return s.port }

// URL returns the ws:// address clients dial.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s%s", s.ln.Addr().String(), s.opts.Path)
}

// IsFinished reports whether the remote finished the event stream.
func (s *Server) IsFinished() bool { return s.finished.Load() }

// Aborted reports whether Abort was called.
func (s *Server) Aborted() bool { return s.aborted.Load() }

// SetAcquisition stores the back-reference used to route commands. It may be
// called once.
func (s *Server) SetAcquisition(ref acq.AcquisitionRef) error {
	if !ref.Valid() {
		return fmt.Errorf("eventsource: invalid acquisition ref")
	}
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	if s.bound {
		return ErrAlreadyBound
	}
	s.ref = ref
	s.bound = true
	s.logger.Debug("acquisition bound", tileacq.Field{Key: "session", Value: ref.ID()}, tileacq.Field{Key: "port", Value: s.port})
	return nil
}

// Abort terminates the control channel. It does not wait for connection
// handlers, so it is safe to call from one of them.
func (s *Server) Abort() {
	if s.aborted.CompareAndSwap(false, true) {
		s.logger.Info("control channel aborted", tileacq.Field{Key: "port", Value: s.port})
	}
	s.shutdown()
}

// Serve accepts connections until ctx is cancelled or the server is aborted.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()
	s.logger.Info("control channel listening", tileacq.Field{Key: "url", Value: s.URL()})
	err := s.http.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close shuts the channel down and waits for connection handlers to exit.
func (s *Server) Close() error {
	s.shutdown()
	s.handlers.Wait()
	return nil
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		s.closed = true
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		_ = s.http.Close()
		_ = s.ln.Close()
	})
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
	s.handlers.Done()
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if s.aborted.Load() {
		http.Error(w, "acquisition aborted", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control upgrade failed", tileacq.Field{Key: "err", Value: err})
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	conn.SetReadLimit(s.opts.ReadLimit)
	remote := conn.RemoteAddr().String()
	s.logger.Debug("control connection opened", tileacq.Field{Key: "remote", Value: remote})

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
				s.logger.Warn("control connection closed unexpectedly", tileacq.Field{Key: "remote", Value: remote}, tileacq.Field{Key: "err", Value: err})
			}
			return
		}
		s.metrics.IncCounter("tileacq_control_commands_total", 1, tileacq.Label{Name: "op", Value: cmd.Op})

		if cmd.Op == OpAbort {
			// reply before tearing down, the abort closes this connection
			_ = s.write(conn, Reply{ID: cmd.ID, OK: true})
			s.remoteAbort(cmd.Reason)
			return
		}
		if err := s.write(conn, s.dispatch(cmd)); err != nil {
			s.logger.Warn("control reply failed", tileacq.Field{Key: "remote", Value: remote}, tileacq.Field{Key: "err", Value: err})
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, reply Reply) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(reply)
}

func (s *Server) target() (acq.Target, error) {
	s.bindMu.Lock()
	ref, bound := s.ref, s.bound
	s.bindMu.Unlock()
	if !bound {
		return nil, ErrNotBound
	}
	t, ok := ref.Resolve()
	if !ok {
		return nil, ErrNotBound
	}
	return t, nil
}

func (s *Server) dispatch(cmd Command) Reply {
	if cmd.Op == OpStatus {
		return Reply{ID: cmd.ID, OK: true, Status: s.status()}
	}
	t, err := s.target()
	if err != nil {
		return errorReply(cmd.ID, err)
	}
	ctx := s.ctx
	switch cmd.Op {
	case OpStart:
		// processing outlives this channel; the acquisition's own abort stops it
		err = t.Start(context.WithoutCancel(ctx))
	case OpAcquire:
		if err = t.Submit(ctx, cmd.Events); err == nil {
			s.accepted.Add(int64(len(cmd.Events)))
		}
	case OpFinish:
		if err = t.FinishEvents(ctx); err == nil {
			s.finished.Store(true)
			s.logger.Info("remote finished event stream", tileacq.Field{Key: "accepted", Value: s.accepted.Load()})
		}
	case OpPause:
		t.SetPaused(true)
	case OpResume:
		t.SetPaused(false)
	default:
		err = fmt.Errorf("unknown op %q", cmd.Op)
	}
	if err != nil {
		return errorReply(cmd.ID, err)
	}
	return Reply{ID: cmd.ID, OK: true}
}

func (s *Server) remoteAbort(reason string) {
	s.logger.Warn("remote requested abort", tileacq.Field{Key: "reason", Value: reason})
	t, err := s.target()
	if err != nil {
		s.Abort()
		return
	}
	t.AbortWithCause(&tileacq.RemoteAbortError{Reason: reason})
}

func (s *Server) status() *Status {
	st := &Status{
		Finished: s.finished.Load(),
		Aborted:  s.aborted.Load(),
		Accepted: s.accepted.Load(),
	}
	s.bindMu.Lock()
	if s.bound {
		st.SessionID = s.ref.ID()
		_, st.Bound = s.ref.Resolve()
	}
	s.bindMu.Unlock()
	return st
}

func errorReply(id uint64, err error) Reply {
	return Reply{ID: id, Error: err.Error()}
}
