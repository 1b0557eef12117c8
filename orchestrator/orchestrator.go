// Package orchestrator runs one scan invocation per change event:
// validate, decide, scan, interpret, propagate, remember.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nelssec/qualys-lambda/internal/event"
	"github.com/nelssec/qualys-lambda/internal/filter"
	"github.com/nelssec/qualys-lambda/internal/interpreter"
	"github.com/nelssec/qualys-lambda/internal/sink"
	"github.com/nelssec/qualys-lambda/storage"
	"github.com/nelssec/qualys-lambda/telemetry"
	"github.com/nelssec/qualys-lambda/types"
)

// settleTimeout bounds sink fan-out and the cache write after a scan.
const settleTimeout = 10 * time.Second

// Options wires a Handler. Cache, Filter and Registry are optional.
type Options struct {
	Metadata    MetadataSource
	Cache       storage.ScanCache
	Filter      *filter.Filter
	Credentials CredentialSource
	Registry    RegistryAuth
	Runner      Runner
	Sinks       Publisher
	Retention   time.Duration
	Logger      *telemetry.Logger
	Sanitizer   *telemetry.Sanitizer
}

// Handler coordinates validation, the cache decision, the scan, the sinks
// and the cache write for each event.
type Handler struct {
	metadata  MetadataSource
	cache     storage.ScanCache
	filter    *filter.Filter
	creds     CredentialSource
	registry  RegistryAuth
	runner    Runner
	sinks     Publisher
	retention time.Duration
	logger    *telemetry.Logger
	sanitizer *telemetry.Sanitizer
	tracer    trace.Tracer
	now       func() time.Time
}

// NewHandler creates a handler from its collaborators.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		metadata:  opts.Metadata,
		cache:     opts.Cache,
		filter:    opts.Filter,
		creds:     opts.Credentials,
		registry:  opts.Registry,
		runner:    opts.Runner,
		sinks:     opts.Sinks,
		retention: opts.Retention,
		logger:    opts.Logger,
		sanitizer: opts.Sanitizer,
		tracer:    otel.Tracer("qscan-orchestrator"),
		now:       time.Now,
	}
	if h.logger == nil {
		h.logger = telemetry.Nop()
	}
	h.logger = h.logger.Component("orchestrator")
	if h.sanitizer == nil {
		h.sanitizer = telemetry.DefaultSanitizer
	}
	if h.sinks == nil {
		h.sinks = sink.NewFanOut(h.logger)
	}
	if h.filter == nil {
		h.filter = filter.New(nil, nil, nil)
	}
	if h.retention <= 0 {
		h.retention = 30 * 24 * time.Hour
	}
	return h
}

// Handle processes one raw event. Terminal failures produce a generic
// response rather than an error. An error is returned only when ctx is
// cancelled before the scan concludes, so the delivery can be retried.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	started := h.now()
	ctx, span := h.tracer.Start(ctx, "scan.invocation",
		trace.WithAttributes(attribute.String("invocation.id", uuid.NewString())))
	defer span.End()

	ev, target, err := event.ParseAndValidate(raw)
	if err != nil {
		h.logger.LogEventRejected(ctx, err)
		span.SetStatus(codes.Error, "event rejected")
		return h.finish(ctx, started, "", Response{
			StatusCode: http.StatusBadRequest,
			Status:     StatusRejected,
			Message:    "Invalid event",
		}), nil
	}
	h.logger.LogEventReceived(ctx, ev.Source, string(ev.Kind))
	span.SetAttributes(
		attribute.String("function.arn", target.FunctionARN),
		attribute.String("event.kind", string(ev.Kind)),
	)

	target = h.describe(ctx, target)

	if ok, reason := h.filter.Decide(target); !ok {
		h.logger.WithContext(ctx).Info().
			Str("function_arn", target.FunctionARN).
			Str("reason", reason).
			Msg("scan skipped by filter")
		return h.finish(ctx, started, target.FunctionARN, Response{
			StatusCode:  http.StatusOK,
			Status:      StatusSkipped,
			Message:     "Function excluded from scanning",
			FunctionARN: target.FunctionARN,
		}), nil
	}

	if prior, ok := h.lookup(ctx, span, target); ok {
		warnings := h.sinks.Annotate(ctx, target, prior)
		return h.finish(ctx, started, target.FunctionARN, Response{
			StatusCode:     http.StatusOK,
			Status:         StatusCached,
			Message:        "Code unchanged since last scan",
			FunctionARN:    target.FunctionARN,
			PackageType:    target.PackageType,
			Cached:         true,
			ScanStatus:     prior.Status,
			ScanSuccess:    prior.Succeeded(),
			CorrelationTag: prior.CorrelationTag,
			Warnings:       sinkNames(warnings),
		}), nil
	}

	outcome, err := h.scan(ctx, target)
	if errors.Is(err, context.Canceled) {
		h.logger.WithContext(ctx).Warn().
			Str("function_arn", target.FunctionARN).
			Msg("scan abandoned, invocation cancelled")
		return Response{}, err
	}
	if err != nil {
		span.SetStatus(codes.Error, "scan not started")
		h.logger.WithContext(ctx).Error().
			Err(err).
			Str("function_arn", target.FunctionARN).
			Msg("scan could not start")
		return h.finish(ctx, started, target.FunctionARN, Response{
			StatusCode:  http.StatusInternalServerError,
			Status:      StatusError,
			Message:     "Scan could not be started",
			FunctionARN: target.FunctionARN,
		}), nil
	}

	telemetry.RecordScanCompletedEvent(span, target.FunctionARN, string(outcome.Status), outcome.CorrelationTag, outcome.ExitCode, false)
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, "scan failed")
		h.logger.WithContext(ctx).Warn().
			Str("function_arn", target.FunctionARN).
			Str("detail", outcome.Detail).
			Int("exit_code", outcome.ExitCode).
			Msg("scan failed")
	}

	// The invocation deadline may already have passed when the scanner
	// timed out; the outcome is still published and recorded.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	warnings := h.sinks.Publish(settleCtx, target, outcome)
	h.record(settleCtx, target, outcome)

	resp := Response{
		StatusCode:     http.StatusOK,
		Status:         StatusScanned,
		Message:        "Scan completed successfully",
		FunctionARN:    target.FunctionARN,
		PackageType:    target.PackageType,
		ScanStatus:     outcome.Status,
		ScanSuccess:    outcome.Succeeded(),
		CorrelationTag: outcome.CorrelationTag,
		Warnings:       sinkNames(warnings),
	}
	if !outcome.Succeeded() {
		resp.StatusCode = http.StatusInternalServerError
		resp.Message = "Scan failed"
	}
	return h.finish(ctx, started, target.FunctionARN, resp), nil
}

// describe enriches the target with authoritative metadata. A failed
// lookup leaves the fingerprint unknown, which forces a scan.
func (h *Handler) describe(ctx context.Context, target types.ScanTarget) types.ScanTarget {
	if h.metadata == nil {
		return target
	}
	md, err := h.metadata.Describe(ctx, target.FunctionARN)
	if err != nil {
		h.logger.WithContext(ctx).Warn().
			Err(err).
			Str("function_arn", target.FunctionARN).
			Msg("metadata lookup failed, fingerprint unknown")
		return target
	}
	return target.WithMetadata(md)
}

// lookup returns the prior outcome when a live cache record exists.
// Cache errors degrade to a miss.
func (h *Handler) lookup(ctx context.Context, span trace.Span, target types.ScanTarget) (types.ScanOutcome, bool) {
	decision := "miss"
	defer func() {
		telemetry.RecordCacheLookup(ctx, decision)
		telemetry.RecordCacheDecisionEvent(span, target.FunctionARN, target.Fingerprint, decision)
		h.logger.LogCacheDecision(ctx, target.FunctionARN, decision)
	}()

	if h.cache == nil || !target.HasFingerprint() {
		decision = "skipped"
		return types.ScanOutcome{}, false
	}

	rec, err := h.cache.Lookup(ctx, target.CacheKey())
	if err != nil {
		decision = "error"
		h.logger.WithContext(ctx).Warn().Err(err).Msg("cache lookup failed, scanning")
		return types.ScanOutcome{}, false
	}
	if rec == nil {
		return types.ScanOutcome{}, false
	}

	decision = "hit"
	return rec.Outcome(), true
}

// scan resolves credentials and runs the scanner. A non-nil error means
// the scan never concluded and nothing may be recorded.
func (h *Handler) scan(ctx context.Context, target types.ScanTarget) (types.ScanOutcome, error) {
	if h.creds == nil || h.runner == nil {
		return types.ScanOutcome{}, errors.New("scanner not configured")
	}

	creds, err := h.creds.Resolve(ctx)
	defer h.creds.Release()
	if err != nil {
		return types.ScanOutcome{}, err
	}
	defer func() { creds.Zero() }()

	if h.registry != nil {
		creds, err = h.registry.Attach(ctx, target, creds)
		if err != nil {
			return types.ScanOutcome{}, err
		}
	}
	unregister := h.sanitizer.Register(creds.Secrets()...)
	defer unregister()

	exec, execErr := h.runner.Run(ctx, target, creds)
	if execErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		return types.ScanOutcome{}, ctx.Err()
	}
	if types.IsTerminal(execErr) {
		return types.ScanOutcome{}, execErr
	}

	var scanErr *types.ScanExecutionError
	if errors.As(execErr, &scanErr) && scanErr.Stderr != "" {
		// already redacted by the supervisor
		h.logger.WithContext(ctx).Warn().
			Str("function_arn", target.FunctionARN).
			Str("kind", string(scanErr.Kind)).
			Int("exit_code", scanErr.ExitCode).
			Str("stderr", scanErr.Stderr).
			Msg("scanner stderr")
	}

	outcome := interpreter.Interpret(exec, execErr)
	telemetry.RecordScanDuration(ctx, exec.Duration, string(outcome.Status))
	return outcome, nil
}

// record remembers a concluded scan. Failures are logged only.
func (h *Handler) record(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) {
	if h.cache == nil {
		return
	}
	if !target.HasFingerprint() {
		h.logger.WithContext(ctx).Debug().
			Str("function_arn", target.FunctionARN).
			Msg("fingerprint unknown, outcome not cached")
		return
	}

	rec := types.NewCacheRecord(target, outcome, h.now(), h.retention)
	if err := h.cache.Record(ctx, rec); err != nil {
		h.logger.WithContext(ctx).Warn().
			Err(err).
			Str("function_arn", target.FunctionARN).
			Msg("cache record failed")
	}
}

func (h *Handler) finish(ctx context.Context, started time.Time, functionARN string, resp Response) Response {
	telemetry.RecordInvocation(ctx, resp.Status)
	h.logger.LogInvocationComplete(ctx, functionARN, string(resp.ScanStatus), resp.Cached, h.now().Sub(started))
	return resp
}

func sinkNames(warnings []*types.SinkError) []string {
	if len(warnings) == 0 {
		return nil
	}
	names := make([]string, 0, len(warnings))
	for _, w := range warnings {
		names = append(names, w.Sink)
	}
	return names
}
