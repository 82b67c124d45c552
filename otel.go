package mailbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/mailbus/mailbox"
)

const (
	instrumentationName = "github.com/rbaliyan/mailbus"
)

// otelInstrumentation holds OpenTelemetry instrumentation for a dispatcher.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Local delivery
	dispatchLatency metric.Float64Histogram
	dispatchCount   metric.Int64Counter
	listenerErrors  metric.Int64Counter

	// Remote fan-out
	publishLatency metric.Float64Histogram
	publishCount   metric.Int64Counter
	publishErrors  metric.Int64Counter

	// Inbound
	inboundCount     metric.Int64Counter
	inboundMalformed metric.Int64Counter

	// Leases
	renewalCount   metric.Int64Counter
	renewalErrors  metric.Int64Counter
	registryErrors metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	o.dispatchLatency, err = meter.Float64Histogram(
		"mailbus.dispatch.duration",
		metric.WithDescription("Duration of local delivery of raised events"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.dispatchCount, err = meter.Int64Counter(
		"mailbus.dispatch.count",
		metric.WithDescription("Number of events raised on this node"),
	)
	if err != nil {
		return err
	}

	o.listenerErrors, err = meter.Int64Counter(
		"mailbus.listener.errors",
		metric.WithDescription("Number of failed or panicking listener invocations"),
	)
	if err != nil {
		return err
	}

	o.publishLatency, err = meter.Float64Histogram(
		"mailbus.publish.duration",
		metric.WithDescription("Duration of a publish to one remote topic"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.publishCount, err = meter.Int64Counter(
		"mailbus.publish.count",
		metric.WithDescription("Number of publishes to remote topics"),
	)
	if err != nil {
		return err
	}

	o.publishErrors, err = meter.Int64Counter(
		"mailbus.publish.errors",
		metric.WithDescription("Number of publishes rejected by the transport"),
	)
	if err != nil {
		return err
	}

	o.inboundCount, err = meter.Int64Counter(
		"mailbus.inbound.count",
		metric.WithDescription("Number of payloads received from remote nodes"),
	)
	if err != nil {
		return err
	}

	o.inboundMalformed, err = meter.Int64Counter(
		"mailbus.inbound.malformed",
		metric.WithDescription("Number of received payloads discarded as malformed"),
	)
	if err != nil {
		return err
	}

	o.renewalCount, err = meter.Int64Counter(
		"mailbus.renewal.count",
		metric.WithDescription("Number of lease renewals"),
	)
	if err != nil {
		return err
	}

	o.renewalErrors, err = meter.Int64Counter(
		"mailbus.renewal.errors",
		metric.WithDescription("Number of failed lease renewals"),
	)
	if err != nil {
		return err
	}

	o.registryErrors, err = meter.Int64Counter(
		"mailbus.registry.errors",
		metric.WithDescription("Number of failed lease registry calls"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span, recording err if non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordDispatch records local delivery metrics for one raised event.
func (o *otelInstrumentation) recordDispatch(ctx context.Context, duration time.Duration, kind mailbox.Kind, listeners, failures int) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Int("listener_count", listeners),
	)

	o.dispatchLatency.Record(ctx, duration.Seconds(), attrs)
	o.dispatchCount.Add(ctx, 1, attrs)
	if failures > 0 {
		o.listenerErrors.Add(ctx, int64(failures), metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("origin", "local"),
		))
	}
}

// recordPublish records one publish to a remote topic.
func (o *otelInstrumentation) recordPublish(ctx context.Context, duration time.Duration, kind mailbox.Kind, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
	)

	o.publishLatency.Record(ctx, duration.Seconds(), attrs)
	o.publishCount.Add(ctx, 1, attrs)
	if err != nil {
		o.publishErrors.Add(ctx, 1, attrs)
	}
}

// recordInbound records one received payload.
func (o *otelInstrumentation) recordInbound(ctx context.Context, kind mailbox.Kind, malformed bool, failures int) {
	if !o.metricsEnabled {
		return
	}

	if malformed {
		o.inboundMalformed.Add(ctx, 1)
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
	)
	o.inboundCount.Add(ctx, 1, attrs)
	if failures > 0 {
		o.listenerErrors.Add(ctx, int64(failures), metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("origin", "remote"),
		))
	}
}

// recordRenewal records the outcome of one renewal tick.
func (o *otelInstrumentation) recordRenewal(ctx context.Context, renewed, failed int) {
	if !o.metricsEnabled {
		return
	}

	o.renewalCount.Add(ctx, int64(renewed))
	if failed > 0 {
		o.renewalErrors.Add(ctx, int64(failed))
	}
}

// recordRegistryError records a failed lease registry call.
func (o *otelInstrumentation) recordRegistryError(ctx context.Context, op string) {
	if !o.metricsEnabled {
		return
	}

	o.registryErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
	))
}
