package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordCacheDecisionEvent marks whether an invocation skipped or ran the scanner
func RecordCacheDecisionEvent(span trace.Span, functionARN, fingerprint, decision string) {
	if span == nil {
		return
	}

	span.AddEvent("scan.cache.decision", trace.WithAttributes(
		attribute.String("event.type", "scan.cache.decision"),
		attribute.String("function.arn", functionARN),
		attribute.String("code.sha256", fingerprint),
		attribute.String("cache.decision", decision),
	))
}

// RecordScanCompletedEvent records the interpreted outcome of a scan
func RecordScanCompletedEvent(span trace.Span, functionARN, status, correlationTag string, exitCode int, cached bool) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", "scan.completed"),
		attribute.String("function.arn", functionARN),
		attribute.String("scan.status", status),
		attribute.Int("scan.exit_code", exitCode),
		attribute.Bool("scan.cached", cached),
	}
	if correlationTag != "" {
		attrs = append(attrs, attribute.String("scan.correlation_tag", correlationTag))
	}

	span.AddEvent("scan.completed", trace.WithAttributes(attrs...))
}

// RecordSinkFailedEvent records a best-effort sink that did not succeed
func RecordSinkFailedEvent(span trace.Span, sink, message string) {
	if span == nil {
		return
	}

	span.AddEvent("scan.sink.failed", trace.WithAttributes(
		attribute.String("event.type", "scan.sink.failed"),
		attribute.String("sink", sink),
		attribute.String("message", message),
	))
}
