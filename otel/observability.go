package otel

import (
	"context"
	"time"

	state "github.com/phnq/state-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/phnq/state-go"
)

// Observability is a state.Extension that traces and measures broker
// operations with OpenTelemetry
type Observability struct {
	state.BaseExtension

	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	opCounter     metric.Int64Counter
	opDuration    metric.Float64Histogram
	opErrors      metric.Int64Counter
	changeCounter metric.Int64Counter
	changedKeys   metric.Int64Histogram
}

// Option configures the Observability
type Option func(*Observability)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Observability) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Observability) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// New creates a new OpenTelemetry extension
func New(opts ...Option) (*Observability, error) {
	obs := &Observability{
		BaseExtension: state.NewBaseExtension("otel"),
		tracer:        otel.Tracer(instrumentationName),
		meter:         otel.Meter(instrumentationName),
	}

	for _, opt := range opts {
		opt(obs)
	}

	var err error

	obs.opCounter, err = obs.meter.Int64Counter(
		"state.operation.count",
		metric.WithDescription("Number of broker operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	obs.opDuration, err = obs.meter.Float64Histogram(
		"state.operation.duration",
		metric.WithDescription("Broker operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.opErrors, err = obs.meter.Int64Counter(
		"state.action.errors",
		metric.WithDescription("Number of failed actions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	obs.changeCounter, err = obs.meter.Int64Counter(
		"state.change.count",
		metric.WithDescription("Number of effective state changes"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	obs.changedKeys, err = obs.meter.Int64Histogram(
		"state.change.keys",
		metric.WithDescription("Number of fields touched by one change"),
		metric.WithUnit("{field}"),
	)
	if err != nil {
		return nil, err
	}

	return obs, nil
}

// Order runs tracing outside every other extension.
func (o *Observability) Order() int {
	return 0
}

func operationAttrs(op *state.Operation) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("state.operation", string(op.Kind)),
		attribute.String("state.name", op.State),
	}
	if op.Action != "" {
		attrs = append(attrs, attribute.String("state.action", op.Action))
	}
	return attrs
}

func spanName(op *state.Operation) string {
	name := "state." + string(op.Kind) + ": " + op.State
	if op.Action != "" {
		name += "." + op.Action
	}
	return name
}

// Wrap traces every operation and records its duration
func (o *Observability) Wrap(ctx context.Context, next func() error, op *state.Operation) error {
	attrs := operationAttrs(op)

	_, span := o.tracer.Start(ctx, spanName(op), trace.WithAttributes(attrs...))
	defer span.End()

	o.opCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	start := time.Now()
	err := next()
	durationMs := float64(time.Since(start).Microseconds()) / 1000

	o.opDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// OnError counts action failures, handled or not
func (o *Observability) OnError(err error, op *state.Operation) {
	o.opErrors.Add(context.Background(), 1, metric.WithAttributes(operationAttrs(op)...))
}

// OnChange counts effective changes
func (o *Observability) OnChange(op *state.Operation, changed []string, version uint64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("state.name", op.State))
	o.changeCounter.Add(ctx, 1, attrs)
	o.changedKeys.Record(ctx, int64(len(changed)), attrs)
}
