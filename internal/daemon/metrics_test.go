package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDaemonMetrics_Names(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newDaemonMetrics(provider.Meter("qscan.daemon"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordMessageReceived(ctx)
	m.RecordMessageProcessed(ctx, "scanned", 2*time.Second)
	m.RecordPollError(ctx)
	m.RecordPruned(ctx, 4)
	m.RecordPruned(ctx, 0)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = metric
		}
	}

	for _, want := range []string{
		"qscan.daemon.messages.received",
		"qscan.daemon.messages.processed",
		"qscan.daemon.message.duration",
		"qscan.daemon.poll.errors",
		"qscan.cache.pruned",
	} {
		assert.Contains(t, names, want)
	}

	pruned, ok := names["qscan.cache.pruned"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, pruned.DataPoints, 1)
	assert.Equal(t, int64(4), pruned.DataPoints[0].Value)

	processed, ok := names["qscan.daemon.messages.processed"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, processed.DataPoints, 1)
	status, _ := processed.DataPoints[0].Attributes.Value("status")
	assert.Equal(t, "scanned", status.AsString())
}
