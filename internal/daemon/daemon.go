// Package daemon runs the scan handler as a long-lived SQS consumer, for
// deployments where EventBridge delivers change events to a queue.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nelssec/qualys-lambda/internal/awsclient"
	"github.com/nelssec/qualys-lambda/orchestrator"
	"github.com/nelssec/qualys-lambda/storage"
	"github.com/nelssec/qualys-lambda/telemetry"
)

const (
	defaultWaitTime      = 20 * time.Second
	defaultMaxMessages   = 10
	defaultPruneInterval = time.Hour
	defaultRetryWindow   = 5 * time.Minute
	shutdownTimeout      = 5 * time.Second
)

// Config holds daemon configuration
type Config struct {
	QueueURL      string
	MetricsAddr   string
	WaitTime      time.Duration
	MaxMessages   int32
	PruneInterval time.Duration
	RetryWindow   time.Duration
}

// Handler processes one event body
type Handler interface {
	Handle(ctx context.Context, raw json.RawMessage) (orchestrator.Response, error)
}

// Daemon polls the queue and hands each message to the Handler
type Daemon struct {
	cfg       Config
	client    awsclient.SQSAPI
	handler   Handler
	pruner    storage.Pruner
	metrics   *DaemonMetrics
	logger    *telemetry.Logger
	startTime time.Time
	processed atomic.Int64

	newBackOff func() backoff.BackOff
}

// NewDaemon creates a new daemon instance. pruner may be nil.
func NewDaemon(cfg Config, client awsclient.SQSAPI, handler Handler, pruner storage.Pruner, logger *telemetry.Logger) (*Daemon, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("queue url is required")
	}
	if client == nil || handler == nil {
		return nil, errors.New("queue client and handler are required")
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = defaultWaitTime
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > defaultMaxMessages {
		cfg.MaxMessages = defaultMaxMessages
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaultRetryWindow
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("init daemon metrics: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		client:    client,
		handler:   handler,
		pruner:    pruner,
		metrics:   metrics,
		logger:    logger.Component("daemon"),
		startTime: time.Now(),
	}
	d.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = d.cfg.RetryWindow
		return b
	}
	return d, nil
}

// Run starts the poller, the metrics server, cache pruning and the signal
// handler, and returns when any of them stops.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		return d.Poll(ctx)
	}, func(error) {
		cancel()
	})

	if d.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Handler:           d.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.MetricsAddr, err)
		}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if d.pruner != nil {
		g.Add(func() error {
			return d.pruneLoop(ctx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	d.logger.Info().
		Str("queue_url", d.cfg.QueueURL).
		Dur("wait_time", d.cfg.WaitTime).
		Msg("daemon started")

	err := g.Run()

	var sig *run.SignalError
	if errors.As(err, &sig) || errors.Is(err, context.Canceled) {
		d.logger.Info().Int64("processed", d.processed.Load()).Msg("daemon stopped")
		return nil
	}
	return err
}

// Poll long-polls the queue until ctx is done. Receive errors are retried
// with exponential backoff; an exhausted retry window stops the daemon.
func (d *Daemon) Poll(ctx context.Context) error {
	for ctx.Err() == nil {
		msgs, err := d.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive messages: %w", err)
		}
		for _, m := range msgs {
			d.handleMessage(ctx, m)
		}
	}
	return nil
}

func (d *Daemon) receive(ctx context.Context) ([]sqstypes.Message, error) {
	var msgs []sqstypes.Message

	operation := func() error {
		out, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(d.cfg.QueueURL),
			MaxNumberOfMessages: d.cfg.MaxMessages,
			WaitTimeSeconds:     int32(d.cfg.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msgs = out.Messages
		return nil
	}

	notify := func(err error, wait time.Duration) {
		d.metrics.RecordPollError(ctx)
		d.logger.WithContext(ctx).Warn().
			Err(err).
			Dur("retry_in", wait).
			Msg("receive failed")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(d.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return msgs, nil
}

// handleMessage runs one event. The message is deleted unless the
// handler asked for redelivery by returning an error.
func (d *Daemon) handleMessage(ctx context.Context, m sqstypes.Message) {
	started := time.Now()
	d.metrics.RecordMessageReceived(ctx)

	resp, err := d.handler.Handle(ctx, json.RawMessage(aws.ToString(m.Body)))
	if err != nil {
		d.metrics.RecordMessageProcessed(ctx, "retry", time.Since(started))
		d.logger.WithContext(ctx).Warn().
			Err(err).
			Str("message_id", aws.ToString(m.MessageId)).
			Msg("message left for redelivery")
		return
	}

	d.processed.Add(1)
	d.metrics.RecordMessageProcessed(ctx, resp.Status, time.Since(started))

	_, err = d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.cfg.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		d.logger.WithContext(ctx).Warn().
			Err(err).
			Str("message_id", aws.ToString(m.MessageId)).
			Msg("delete message failed")
	}
}

func (d *Daemon) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.prune(ctx)
		}
	}
}

func (d *Daemon) prune(ctx context.Context) {
	removed, err := d.pruner.Prune(ctx)
	if err != nil {
		d.logger.WithContext(ctx).Warn().Err(err).Msg("cache prune failed")
		return
	}
	d.metrics.RecordPruned(ctx, removed)
	if removed > 0 {
		d.logger.WithContext(ctx).Info().Int("removed", removed).Msg("expired cache records pruned")
	}
}

// Routes serves /metrics and /health
func (d *Daemon) Routes() http.Handler {
	mux := http.NewServeMux()
	if telemetry.PrometheusRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Health())
	})
	return mux
}

// pruneReporter is implemented by caches that remember their last prune
type pruneReporter interface {
	LastPrune() (time.Time, error)
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		Processed: d.processed.Load(),
	}
	if r, ok := d.pruner.(pruneReporter); ok {
		if last, err := r.LastPrune(); err == nil && !last.IsZero() {
			h.LastPrune = last.UTC().Format(time.RFC3339)
		}
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime_seconds"`
	Processed int64  `json:"processed"`
	LastPrune string `json:"last_prune,omitempty"`
}

// Processed returns the number of messages handled to completion
func (d *Daemon) Processed() int64 {
	return d.processed.Load()
}
