package telemetry

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration. Everything it writes goes
// through a Sanitizer first.
type Logger struct {
	zerolog.Logger
}

// NewLoggerWithWriter creates a logger writing to out through s
func NewLoggerWithWriter(service string, out io.Writer, s *Sanitizer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(NewSanitizingWriter(out, s)).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("component", name).Logger()}
}

// ParseLevel maps a config level string onto zerolog, defaulting to info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Convenience methods for the invocation lifecycle

func (l *Logger) LogEventReceived(ctx context.Context, source, kind string) {
	l.WithContext(ctx).Info().
		Str("event_source", source).
		Str("event_kind", kind).
		Msg("event received")
}

func (l *Logger) LogEventRejected(ctx context.Context, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Msg("event rejected")
}

func (l *Logger) LogCacheDecision(ctx context.Context, functionARN, decision string) {
	l.WithContext(ctx).Info().
		Str("function_arn", functionARN).
		Str("cache", decision).
		Msg("scan cache decision")
}

func (l *Logger) LogSinkFailure(ctx context.Context, sink string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("sink", sink).
		Msg("sink failed")
}

func (l *Logger) LogInvocationComplete(ctx context.Context, functionARN, status string, cached bool, duration time.Duration) {
	l.WithContext(ctx).Info().
		Str("function_arn", functionARN).
		Str("scan_status", status).
		Bool("cached", cached).
		Dur("duration", duration).
		Msg("invocation complete")
}
