package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nelssec/qualys-lambda/internal/daemon"
	"github.com/nelssec/qualys-lambda/telemetry"
)

var (
	daemonQueueURL      string
	daemonMetricsAddr   string
	daemonPruneInterval time.Duration
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Consume change events from an SQS queue",
	Long: `Run as a long-lived consumer of an SQS queue that EventBridge delivers
function change events to.

Features:
- Long polling with exponential backoff on receive errors
- Messages whose handling was interrupted are left for redelivery
- Prometheus metrics on /metrics, health on /health
- Periodic pruning of expired records in a local cache file
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  qscan-lambda daemon --queue-url https://sqs.us-east-1.amazonaws.com/123456789012/qscan
  qscan-lambda daemon --config qscan.toml --metrics-addr :9100`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonQueueURL, "queue-url", "", "SQS queue URL (overrides daemon.queue_url)")
	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "Metrics HTTP listen address (overrides daemon.metrics_addr)")
	daemonCmd.Flags().DurationVar(&daemonPruneInterval, "prune-interval", time.Hour, "Local cache pruning interval")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonQueueURL != "" {
		cfg.Daemon.QueueURL = daemonQueueURL
	}
	if daemonMetricsAddr != "" {
		cfg.Daemon.MetricsAddr = daemonMetricsAddr
	}
	if cfg.Daemon.QueueURL == "" {
		return errors.New("queue url is required: set --queue-url or SQS_QUEUE_URL")
	}

	logger := newLogger(cfg, os.Stdout)
	ctx := cmd.Context()

	shutdown, err := telemetry.InitOTEL(ctx, otelConfig(cfg, true))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	defer func() { _ = a.Close() }()

	d, err := daemon.NewDaemon(daemon.Config{
		QueueURL:      cfg.Daemon.QueueURL,
		MetricsAddr:   cfg.Daemon.MetricsAddr,
		PruneInterval: daemonPruneInterval,
	}, a.clients.SQS, a.handler, a.pruner, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}
