// Package logger wraps zap with the fields runpool attaches to every line:
// the component, the run key (task, model, run) and the HTTP request ID.
package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type requestIDKey struct{}

// LoggingConfig mirrors the logging section of the service config.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console or text
	OutputPath string // stdout, stderr or a rotated file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a zap logger whose level can be changed at runtime. Children
// created with WithFields share the parent's level.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// NewLogger builds a logger from cfg. An unknown level falls back to info.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level.SetLevel(lvl)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "console", "text":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, writeSyncer(cfg), level)
	return &Logger{
		zap:   zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)),
		level: level,
	}, nil
}

func writeSyncer(cfg LoggingConfig) zapcore.WriteSyncer {
	switch cfg.OutputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		Compress:   true,
	})
}

// NewFromZap wraps an existing zap logger. Its level is fixed by z.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{zap: z, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return NewFromZap(zap.NewNop())
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SetLevel changes the level of l and of every logger derived from it.
// It reports whether the level changed.
func (l *Logger) SetLevel(level string) (bool, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return false, err
	}
	if l.level.Level() == lvl {
		return false, nil
	}
	l.level.SetLevel(lvl)
	return true, nil
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.level.String()
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a child logger carrying fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), level: l.level}
}

// Component tags lines with the emitting subsystem.
func (l *Logger) Component(name string) *Logger {
	return l.WithFields(zap.String("component", name))
}

// ForRun tags lines with a run key. Empty parts are left out, so a preview
// session logs task and model without a run ID.
func (l *Logger) ForRun(taskID, modelID, runID string) *Logger {
	fields := make([]zap.Field, 0, 3)
	if taskID != "" {
		fields = append(fields, zap.String("task_id", taskID))
	}
	if modelID != "" {
		fields = append(fields, zap.String("model_id", modelID))
	}
	if runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields...)
}

// ContextWithRequestID stores an HTTP request ID for WithContext.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithContext adds the request ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithFields(zap.String("request_id", id))
	}
	return l
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}

// Zap returns the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sugar returns a printf-style view, used by adapters that log key/value pairs.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.zap.Sugar()
}
