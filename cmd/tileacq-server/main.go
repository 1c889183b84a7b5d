package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/suyash-sneo/tileacq"
	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/coord"
	coordredis "github.com/suyash-sneo/tileacq/coord/redis"
	"github.com/suyash-sneo/tileacq/eventsource"
	"github.com/suyash-sneo/tileacq/internal/obs"
	"github.com/suyash-sneo/tileacq/storage/badger"
)

type serverFlags struct {
	config      string
	addr        string
	dataDir     string
	redis       string
	debug       bool
	logFile     string
	metricsAddr string
	deadline    time.Duration
	synthetic   bool
}

func main() {
	ctx, cancel := signalContext()
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tileacq-server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:   "tileacq-server",
		Short: "Run one remotely controlled tiled acquisition session",
		Long: `Runs a single acquisition session. A remote process drives it over the
WebSocket control channel; tiles are stored in BadgerDB when --data-dir is set.

Exits 0 when the session finishes and 1 when it is aborted.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "YAML config file")
	fl.StringVar(&f.addr, "addr", "127.0.0.1:4827", "control channel listen address")
	fl.StringVar(&f.dataDir, "data-dir", "", "BadgerDB directory for tiles (empty: no storage)")
	fl.StringVar(&f.redis, "redis", "", "redis address for the session registry (empty: disabled)")
	fl.BoolVar(&f.debug, "debug", false, "debug logging and per-tile traces")
	fl.StringVar(&f.logFile, "log-file", "", "also write JSON logs to this rotated file")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fl.DurationVar(&f.deadline, "deadline", 0, "abort the session after this long (0: none)")
	fl.BoolVar(&f.synthetic, "synthetic", true, "snap gradient frames from a simulated camera")

	cmd.AddCommand(newSessionsCmd())
	return cmd
}

func runServer(cmd *cobra.Command, f serverFlags) error {
	cfg := tileacq.DefaultConfig()
	if f.config != "" {
		loaded, err := tileacq.LoadConfig(f.config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if f.debug {
		cfg.Debug = true
	}
	if cmd.Flags().Changed("deadline") {
		cfg.Deadline = f.deadline
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logOpts := obs.DefaultLogOptions()
	logOpts.Debug = cfg.Debug
	logOpts.File = f.logFile
	z, err := obs.NewZapLogger(logOpts)
	if err != nil {
		return err
	}
	defer func() { _ = z.Sync() }()
	logger := obs.NewLogger(z)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg, logger)

	esOpts := eventsource.DefaultOptions()
	esOpts.Addr = f.addr
	es, err := eventsource.New(esOpts, logger, metrics)
	if err != nil {
		return err
	}
	defer es.Close()

	var sink acq.StorageSink
	if f.dataDir != "" {
		s, err := badger.Open(badger.DefaultOptions(f.dataDir), cfg.Geometry, logger, metrics)
		if err != nil {
			return err
		}
		defer s.Close()
		sink = s
	}

	var opts []tileacq.CoordinatorOption
	if f.synthetic {
		src, err := tileacq.NewCameraSource(newGradientCamera(cfg.Geometry), nil)
		if err != nil {
			return err
		}
		opts = append(opts, tileacq.WithImageSource(src))
	}
	c, err := tileacq.NewCoordinator(cfg, es, sink, logger, metrics, opts...)
	if err != nil {
		return err
	}

	var store coord.Store
	if f.redis != "" {
		rs, err := coordredis.New(coordredis.Options{Addr: f.redis})
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
	}
	sup, err := tileacq.NewSupervisor(cfg, c, store, logger, metrics)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s control channel %s\n", c.SessionID(), es.URL())

	runCtx, stop := context.WithCancel(cmd.Context())
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return es.Serve(gctx) })
	if f.metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, f.metricsAddr, reg) })
	}
	var sessionErr error
	g.Go(func() error {
		sessionErr = sup.Run(gctx)
		stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if sessionErr != nil {
		return fmt.Errorf("session %s aborted: %w", c.SessionID(), sessionErr)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s finished\n", c.SessionID())
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
