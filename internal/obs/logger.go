// Package obs wires the library's Logger and Metrics interfaces to zap and
// Prometheus for the binaries.
package obs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/suyash-sneo/tileacq"
)

// LogOptions selects level and destination for NewZapLogger.
type LogOptions struct {
	Debug bool
	// File, when set, receives JSON logs rotated by lumberjack in addition
	// to the console output on stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultLogOptions logs at info level to stderr only.
func DefaultLogOptions() LogOptions {
	return LogOptions{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14, Compress: true}
}

// NewZapLogger builds the zap logger used by the binaries.
func NewZapLogger(opts LogOptions) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), writer, level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// Logger adapts a zap logger to tileacq.Logger.
type Logger struct {
	z *zap.Logger
}

var _ tileacq.Logger = (*Logger)(nil)

// NewLogger wraps z. A nil z yields a no-op zap logger.
func NewLogger(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Zap returns the underlying zap logger.
func (l *Logger) Zap() *zap.Logger { return l.z }

func (l *Logger) Debug(msg string, fields ...tileacq.Field) { l.z.Debug(msg, zapFields(fields)...) }
func (l *Logger) Info(msg string, fields ...tileacq.Field)  { l.z.Info(msg, zapFields(fields)...) }
func (l *Logger) Warn(msg string, fields ...tileacq.Field)  { l.z.Warn(msg, zapFields(fields)...) }
func (l *Logger) Error(msg string, fields ...tileacq.Field) { l.z.Error(msg, zapFields(fields)...) }

func zapFields(fields []tileacq.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
