package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds queue consumer metrics using OTEL semantic conventions
type DaemonMetrics struct {
	messagesReceived  metric.Int64Counter
	messagesProcessed metric.Int64Counter
	messageDuration   metric.Float64Histogram
	pollErrors        metric.Int64Counter
	cachePruned       metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("qscan.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	messagesReceived, err := meter.Int64Counter(
		"qscan.daemon.messages.received",
		metric.WithDescription("Queue messages received"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	messagesProcessed, err := meter.Int64Counter(
		"qscan.daemon.messages.processed",
		metric.WithDescription("Queue messages handled, by invocation status"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	messageDuration, err := meter.Float64Histogram(
		"qscan.daemon.message.duration",
		metric.WithDescription("Time spent handling one queue message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pollErrors, err := meter.Int64Counter(
		"qscan.daemon.poll.errors",
		metric.WithDescription("Failed queue receive attempts"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	cachePruned, err := meter.Int64Counter(
		"qscan.cache.pruned",
		metric.WithDescription("Expired cache records removed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		messagesReceived:  messagesReceived,
		messagesProcessed: messagesProcessed,
		messageDuration:   messageDuration,
		pollErrors:        pollErrors,
		cachePruned:       cachePruned,
	}, nil
}

// RecordMessageReceived counts one received message
func (m *DaemonMetrics) RecordMessageReceived(ctx context.Context) {
	m.messagesReceived.Add(ctx, 1)
}

// RecordMessageProcessed records a handled message with its status
func (m *DaemonMetrics) RecordMessageProcessed(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.messagesProcessed.Add(ctx, 1, attrs)
	m.messageDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPollError counts one failed receive
func (m *DaemonMetrics) RecordPollError(ctx context.Context) {
	m.pollErrors.Add(ctx, 1)
}

// RecordPruned records removed cache records
func (m *DaemonMetrics) RecordPruned(ctx context.Context, removed int) {
	if removed <= 0 {
		return
	}
	m.cachePruned.Add(ctx, int64(removed))
}
