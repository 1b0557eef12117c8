package telemetry

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTELHook_Run(t *testing.T) {
	tests := []struct {
		name        string
		setupCtx    func() context.Context
		expectTrace bool
	}{
		{
			name:        "no context",
			setupCtx:    func() context.Context { return nil },
			expectTrace: false,
		},
		{
			name:        "context without span",
			setupCtx:    context.Background,
			expectTrace: false,
		},
		{
			name:        "context with valid span",
			setupCtx:    createContextWithSpan,
			expectTrace: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			event := logger.Info().Ctx(tt.setupCtx())
			OTELHook{}.Run(event, zerolog.InfoLevel, "test message")
			event.Msg("test")

			if tt.expectTrace {
				assert.Contains(t, buf.String(), "trace_id")
				assert.Contains(t, buf.String(), "span_id")
			} else {
				assert.NotContains(t, buf.String(), "trace_id")
				assert.NotContains(t, buf.String(), "span_id")
			}
		})
	}
}

func createContextWithSpan() context.Context {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	ctx, _ := provider.Tracer("test").Start(context.Background(), "test-span")
	return ctx
}

func TestOTELHook_ErrorLevel(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	ctx, span := provider.Tracer("test").Start(context.Background(), "test-span")

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	event := logger.Error().Ctx(ctx)
	OTELHook{}.Run(event, zerolog.ErrorLevel, "error message")
	event.Msg("test error")

	span.End()
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "error message", spans[0].Status.Description)
}

func TestNewLoggerWithWriter_Sanitizes(t *testing.T) {
	var buf bytes.Buffer
	s := NewSanitizer()
	logger := NewLoggerWithWriter("test-service", &buf, s)

	unregister := s.Register("literal-secret-value")
	logger.Info().
		Str("note", "token literal-secret-value leaked").
		Str("qualys_access_token", "abcdefghijklmnopqrstuvwxyz").
		Msg("something happened")
	unregister()

	out := buf.String()
	assert.Contains(t, out, "test-service")
	assert.Contains(t, out, "something happened")
	assert.NotContains(t, out, "literal-secret-value")
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, out, Redacted)
}

func TestLogger_ConvenienceMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("test", &buf, NewSanitizer())
	ctx := context.Background()

	logger.LogEventReceived(ctx, "aws.lambda", "update-code")
	assert.Contains(t, buf.String(), "event received")
	assert.Contains(t, buf.String(), "update-code")

	buf.Reset()
	logger.LogCacheDecision(ctx, "arn:aws:lambda:us-east-1:123456789012:function:fn", "hit")
	assert.Contains(t, buf.String(), "\"cache\":\"hit\"")

	buf.Reset()
	logger.LogSinkFailure(ctx, "s3", assert.AnError)
	assert.Contains(t, buf.String(), "sink failed")
	assert.Contains(t, buf.String(), "level\":\"warn")

	buf.Reset()
	logger.LogInvocationComplete(ctx, "arn", "failed", false, 2*time.Second)
	assert.Contains(t, buf.String(), "invocation complete")
	assert.Contains(t, buf.String(), "\"scan_status\":\"failed\"")
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("svc", &buf, NewSanitizer()).Component("supervisor")
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "\"component\":\"supervisor\"")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestInitOTEL_NoEndpoint(t *testing.T) {
	old := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	defer func() {
		if old != "" {
			_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", old)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	shutdown, err := InitOTEL(ctx, Config{Prometheus: true})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NotNil(t, PrometheusRegistry)
	assert.NoError(t, ForceFlush(ctx))
	assert.NoError(t, shutdown(ctx))
}

func TestRecordHelpers(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	Meter = provider.Meter("test")
	require.NoError(t, initMetrics())

	ctx := context.Background()
	RecordInvocation(ctx, "scanned")
	RecordCacheLookup(ctx, "hit")
	RecordCacheLookup(ctx, "miss")
	RecordScanDuration(ctx, 3*time.Second, "success")
	RecordSinkFailure(ctx, "sns")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
	}
	assert.True(t, names["qscan.invocations"])
	assert.True(t, names["qscan.cache.lookups"])
	assert.True(t, names["qscan.scan.duration"])
	assert.True(t, names["qscan.sink.failures"])
}
