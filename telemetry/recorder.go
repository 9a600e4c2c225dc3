// Package telemetry records synchronizer and dispatch metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "collections"

// Sync outcomes recorded on collections.sync.cases.
const (
	OutcomeOpened   = "opened"
	OutcomeUpdated  = "updated"
	OutcomeClosed   = "closed"
	OutcomeConflict = "conflict"
)

// Recorder owns the service's instruments. The zero value is not usable; use New or Noop.
type Recorder struct {
	tracer trace.Tracer

	syncCases    metric.Int64Counter
	syncFailures metric.Int64Counter
	syncDuration metric.Float64Histogram
	dispatched   metric.Int64Counter
}

// New creates the instruments on the given providers.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Recorder, error) {
	meter := mp.Meter(instrumentationName)
	r := &Recorder{tracer: tp.Tracer(instrumentationName)}

	var err error
	r.syncCases, err = meter.Int64Counter("collections.sync.cases",
		metric.WithDescription("Cases touched by a synchronizer pass, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: sync cases counter: %w", err)
	}
	r.syncFailures, err = meter.Int64Counter("collections.sync.failures",
		metric.WithDescription("Cases a synchronizer pass failed to write"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: sync failures counter: %w", err)
	}
	r.syncDuration, err = meter.Float64Histogram("collections.sync.duration",
		metric.WithDescription("Synchronizer pass duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: sync duration histogram: %w", err)
	}
	r.dispatched, err = meter.Int64Counter("collections.dispatch.messages",
		metric.WithDescription("Channel messages by delivery result"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: dispatch counter: %w", err)
	}
	return r, nil
}

// Noop returns a recorder that discards everything.
func Noop() *Recorder {
	r, _ := New(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	return r
}

// OrNoop returns r, or a discarding recorder when r is nil.
func OrNoop(r *Recorder) *Recorder {
	if r == nil {
		return Noop()
	}
	return r
}

// Start opens a span named name.
func (r *Recorder) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SyncCases adds n to the counter for outcome. Zero is skipped.
func (r *Recorder) SyncCases(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}
	r.syncCases.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Recorder) SyncFailures(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	r.syncFailures.Add(ctx, int64(n))
}

func (r *Recorder) SyncDuration(ctx context.Context, d time.Duration) {
	r.syncDuration.Record(ctx, d.Seconds())
}

// Dispatched counts one message with result sent, failed or dropped.
func (r *Recorder) Dispatched(ctx context.Context, result string) {
	r.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
