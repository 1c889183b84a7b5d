package obs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/suyash-sneo/tileacq"
)

func TestLoggerMapsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Warn("tile write failed", tileacq.Field{Key: "tile", Value: "0|1|DAPI|"}, tileacq.Field{Key: "err", Value: errors.New("disk full")})
	l.Debug("acquiring tile")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	require.Equal(t, "0|1|DAPI|", ctx["tile"])
	require.Equal(t, "disk full", ctx["err"])
}

func TestZapLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tileacq.log")
	opts := DefaultLogOptions()
	opts.File = path
	z, err := NewZapLogger(opts)
	require.NoError(t, err)

	NewLogger(z).Info("session started", tileacq.Field{Key: "session", Value: "s1"})
	_ = z.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"session":"s1"`)
}

func TestMetricsRegisterLazily(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, nil)

	m.IncCounter("tileacq_tiles_acquired_total", 1, tileacq.Label{Name: "channel", Value: "DAPI"})
	m.IncCounter("tileacq_tiles_acquired_total", 2, tileacq.Label{Name: "channel", Value: "DAPI"})
	m.IncCounter("tileacq_tiles_acquired_total", 1, tileacq.Label{Name: "channel", Value: "FITC"})
	m.SetGauge("tileacq_event_queue_depth", 7)
	m.ObserveHistogram("tileacq_tile_seconds", 0.02)

	counters := m.counters["tileacq_tiles_acquired_total"]
	require.Equal(t, 3.0, testutil.ToFloat64(counters.WithLabelValues("DAPI")))
	require.Equal(t, 1.0, testutil.ToFloat64(counters.WithLabelValues("FITC")))
	require.Equal(t, 7.0, testutil.ToFloat64(m.gauges["tileacq_event_queue_depth"]))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestMetricsDropMismatchedLabels(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), nil)
	m.IncCounter("tileacq_aborts_total", 1)
	m.IncCounter("tileacq_aborts_total", 1, tileacq.Label{Name: "state", Value: "x"})
	require.Equal(t, 1.0, testutil.ToFloat64(m.counters["tileacq_aborts_total"]))
}

func TestMetricsShareRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewMetrics(reg, nil)
	b := NewMetrics(reg, nil)
	a.IncCounter("tileacq_aborts_total", 1)
	b.IncCounter("tileacq_aborts_total", 1)
	require.Equal(t, 2.0, testutil.ToFloat64(a.counters["tileacq_aborts_total"]))
}
