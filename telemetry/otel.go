package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	promclient "github.com/prometheus/client_golang/prometheus"
)

const instrumentationName = "github.com/nelssec/qualys-lambda"

var (
	// Tracer for distributed tracing
	Tracer = otel.Tracer(instrumentationName)

	// Meter for metrics. Instruments are created against the global
	// delegating provider so they work before InitOTEL runs.
	Meter = otel.Meter(instrumentationName)

	// PrometheusRegistry is set when InitOTEL enables the Prometheus reader
	PrometheusRegistry *promclient.Registry

	Invocations  metric.Int64Counter
	CacheLookups metric.Int64Counter
	ScanDuration metric.Float64Histogram
	SinkFailures metric.Int64Counter
)

func init() {
	if err := initMetrics(); err != nil {
		otel.Handle(err)
	}
}

// Config for OTEL initialization
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTELEndpoint   string
	Insecure       bool
	Prometheus     bool
}

// InitOTEL initializes OpenTelemetry with traces and metrics. Exporters are
// only attached when an endpoint is configured or Prometheus is requested.
func InitOTEL(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	cfg = applyConfigDefaults(cfg)

	res, err := createOTELResource(cfg)
	if err != nil {
		return nil, err
	}

	traceShutdown, err := setupTraceProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("setup traces: %w", err)
	}

	metricShutdown, err := setupMetricProvider(ctx, cfg, res)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, fmt.Errorf("setup metrics: %w", err)
	}

	return createCombinedShutdown(traceShutdown, metricShutdown), nil
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.OTELEndpoint == "" {
		cfg.OTELEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "qscan-lambda"
	}
	return cfg
}

func createOTELResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func createCombinedShutdown(traceShutdown, metricShutdown func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var err error
		if e := traceShutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown failed: %w", e)
		}
		if e := metricShutdown(ctx); e != nil && err == nil {
			err = fmt.Errorf("metric shutdown failed: %w", e)
		}
		return err
	}
}

func setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.OTELEndpoint != "" {
		expOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTELEndpoint),
		}
		if cfg.Insecure {
			expOpts = append(expOpts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			))
		}

		exporter, err := otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		// Lambda freezes between invocations, keep batches short
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	Tracer = provider.Tracer(instrumentationName)

	return provider.Shutdown, nil
}

func setupMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Prometheus {
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		PrometheusRegistry = registry
		providerOpts = append(providerOpts, sdkmetric.WithReader(exporter))
	}

	if cfg.OTELEndpoint != "" {
		reader, err := createOTLPReader(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create OTLP metric reader: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

func createOTLPReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTELEndpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)), nil
}

func initMetrics() error {
	var err error

	Invocations, err = Meter.Int64Counter("qscan.invocations",
		metric.WithDescription("Handler invocations by result"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return fmt.Errorf("create invocations counter: %w", err)
	}

	CacheLookups, err = Meter.Int64Counter("qscan.cache.lookups",
		metric.WithDescription("Scan cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return fmt.Errorf("create cache_lookups counter: %w", err)
	}

	ScanDuration, err = Meter.Float64Histogram("qscan.scan.duration",
		metric.WithDescription("Wall clock duration of scanner executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create scan_duration histogram: %w", err)
	}

	SinkFailures, err = Meter.Int64Counter("qscan.sink.failures",
		metric.WithDescription("Failed result propagations by sink"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return fmt.Errorf("create sink_failures counter: %w", err)
	}

	return nil
}

// RecordInvocation counts one handler invocation
func RecordInvocation(ctx context.Context, result string) {
	Invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheLookup counts one cache lookup (hit, miss, error, skipped)
func RecordCacheLookup(ctx context.Context, result string) {
	CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordScanDuration records one scanner execution
func RecordScanDuration(ctx context.Context, d time.Duration, status string) {
	ScanDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordSinkFailure counts one failed sink
func RecordSinkFailure(ctx context.Context, sink string) {
	SinkFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// ForceFlush exports buffered spans and metrics from the global SDK
// providers. Lambda freezes the process after each invocation returns.
func ForceFlush(ctx context.Context) error {
	var err error
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		if e := tp.ForceFlush(ctx); e != nil {
			err = fmt.Errorf("flush traces: %w", e)
		}
	}
	if mp, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider); ok {
		if e := mp.ForceFlush(ctx); e != nil && err == nil {
			err = fmt.Errorf("flush metrics: %w", e)
		}
	}
	return err
}
