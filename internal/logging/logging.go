// Package logging is the structured logger shared by the bridge, the
// inference runtime and phinctl. It is a thin layer over log/slog that keeps
// call sites independent of the handler and stamps every record with the
// host timestep carried on the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Field is a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field       { return Field{Key: key, Value: value} }
func Int(key string, value int) Field      { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field  { return Field{Key: key, Value: value} }
func Float64(key string, v float64) Field  { return Field{Key: key, Value: v} }
func Bool(key string, value bool) Field    { return Field{Key: key, Value: value} }
func Any(key string, value any) Field      { return Field{Key: key, Value: value} }
func Strings(key string, v []string) Field { return Field{Key: key, Value: v} }

// Err records an error under the "error" key. A nil error logs as empty.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the logging surface used throughout the module.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config controls logger construction.
type Config struct {
	Level     string    // debug, info, warn, error
	Format    string    // json or text
	AddSource bool      // include source locations
	Output    io.Writer // defaults to stderr
}

// New constructs a Logger backed by slog.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		// stdout belongs to the host engine's thermo output.
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &slogger{l: slog.New(stepHandler{h})}
}

// NewFromEnv constructs a logger from LOG_LEVEL and LOG_FORMAT.
func NewFromEnv() Logger {
	return New(Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})
}

// Noop returns a logger that drops all logs.
func Noop() Logger { return noopLogger{} }

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogger struct {
	l *slog.Logger
}

func (s *slogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return &slogger{l: s.l.With(args...)}
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}

func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}

func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}

func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

func (s *slogger) log(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.l.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	s.l.LogAttrs(ctx, level, msg, attrs...)
}

// stepHandler adds the timestep stored by ContextWithStep to each record.
type stepHandler struct {
	slog.Handler
}

func (h stepHandler) Handle(ctx context.Context, r slog.Record) error {
	if step, ok := StepFromContext(ctx); ok {
		r.AddAttrs(slog.Int64("step", step))
	}
	return h.Handler.Handle(ctx, r)
}

func (h stepHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stepHandler{h.Handler.WithAttrs(attrs)}
}

func (h stepHandler) WithGroup(name string) slog.Handler {
	return stepHandler{h.Handler.WithGroup(name)}
}

type noopLogger struct{}

func (noopLogger) With(...Field) Logger                    { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

type ctxKey int

const (
	stepKey ctxKey = iota
	loggerKey
)

// NewInstanceID returns a fresh identifier for one bridge instance, so logs
// from several instances in one process can be told apart.
func NewInstanceID() string {
	return uuid.NewString()
}

// ContextWithStep stores the host timestep in ctx.
func ContextWithStep(ctx context.Context, step int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, stepKey, step)
}

// StepFromContext extracts the host timestep from ctx.
func StepFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(stepKey).(int64)
	return v, ok
}

// WithStepLogger attaches step to ctx and returns the logger to use for it.
// Records logged with the returned context carry the step.
func WithStepLogger(ctx context.Context, base Logger, step int64) (context.Context, Logger) {
	if base == nil {
		base = Noop()
	}
	return ContextWithStep(ctx, step), base
}

// ContextWithLogger stores a logger on ctx.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	if l == nil {
		l = Noop()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromContext returns the logger stored on ctx, or nil.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(loggerKey).(Logger)
	return l
}
