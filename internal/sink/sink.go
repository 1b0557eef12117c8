// Package sink propagates a scan outcome to its best-effort destinations.
package sink

import (
	"context"
	"fmt"

	"github.com/nelssec/qualys-lambda/telemetry"
	"github.com/nelssec/qualys-lambda/types"
)

// Sink publishes one outcome to one backend.
type Sink interface {
	// Name identifies the sink in warnings and metrics.
	Name() string

	// Publish sends the outcome. Errors never change the outcome.
	Publish(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) error
}

// FanOut sends an outcome to every configured sink in turn.
type FanOut struct {
	sinks  []Sink
	logger *telemetry.Logger
}

// NewFanOut creates a fan-out over the given sinks. Nil sinks are skipped.
func NewFanOut(logger *telemetry.Logger, sinks ...Sink) *FanOut {
	if logger == nil {
		logger = telemetry.Nop()
	}
	f := &FanOut{logger: logger.Component("sink")}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Names lists the configured sinks.
func (f *FanOut) Names() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish runs every sink, continuing past failures. The returned errors
// are warnings; a failed sink does not stop the ones after it.
func (f *FanOut) Publish(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) []*types.SinkError {
	var warnings []*types.SinkError
	for _, s := range f.sinks {
		if err := publishOne(ctx, s, target, outcome); err != nil {
			serr := &types.SinkError{Sink: s.Name(), Err: err}
			f.logger.LogSinkFailure(ctx, s.Name(), err)
			telemetry.RecordSinkFailure(ctx, s.Name())
			warnings = append(warnings, serr)
		}
	}
	return warnings
}

// Annotate runs only the tagging sinks. Used on cache hits where there is
// no new report to persist or announce.
func (f *FanOut) Annotate(ctx context.Context, target types.ScanTarget, outcome types.ScanOutcome) []*types.SinkError {
	var annotators []Sink
	for _, s := range f.sinks {
		if _, ok := s.(*TagSink); ok {
			annotators = append(annotators, s)
		}
	}
	return (&FanOut{sinks: annotators, logger: f.logger}).Publish(ctx, target, outcome)
}

func publishOne(ctx context.Context, s Sink, target types.ScanTarget, outcome types.ScanOutcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Publish(ctx, target, outcome)
}
