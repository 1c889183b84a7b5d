package tileacq

import (
	"context"

	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/xytiling"
)

// ImageSource produces the pixels for one acquisition event at a stage position.
type ImageSource interface {
	Snap(ctx context.Context, ev acq.Event, at xytiling.Point) (width, height int, pixels []uint16, err error)
}

// ImageSourceFunc adapts a function to ImageSource.
type ImageSourceFunc func(ctx context.Context, ev acq.Event, at xytiling.Point) (int, int, []uint16, error)

// Snap implements ImageSource.
func (f ImageSourceFunc) Snap(ctx context.Context, ev acq.Event, at xytiling.Point) (int, int, []uint16, error) {
	return f(ctx, ev, at)
}

// LifecycleControl is the control surface of a running acquisition.
type LifecycleControl interface {
	Start(ctx context.Context) error
	Abort()
	AbortWithCause(cause error)
	IsFinished() bool
	AbortRequested() bool
	Wait(ctx context.Context) error
}

// ViewerAcquisition is what a viewer needs from the acquisition it displays.
type ViewerAcquisition interface {
	IsFinished() bool
	Abort()
	SetPaused(paused bool)
	IsPaused() bool
}

// RemoteCompatible exposes what a remote client needs to reach the session.
type RemoteCompatible interface {
	EventPort() int
	SessionID() string
}

// Logger is a lightweight structured logger interface.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field holds a structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// Metrics records counters and gauges.
type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
}

// Label is a simple name/value pair for metrics.
type Label struct {
	Name  string
	Value string
}

type nopLogger struct{}

// NopLogger returns a no-op logger implementation.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

type nopMetrics struct{}

// NopMetrics returns a no-op metrics recorder.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) IncCounter(string, float64, ...Label)       {}
func (nopMetrics) SetGauge(string, float64, ...Label)         {}
func (nopMetrics) ObserveHistogram(string, float64, ...Label) {}
