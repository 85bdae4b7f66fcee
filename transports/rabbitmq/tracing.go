package rabbitmq

import (
	"context"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/steadyq/transports/rabbitmq"

var _ propagation.TextMapCarrier = headerCarrier(nil)

// headerCarrier exposes AMQP headers to a TextMapPropagator
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

func (c headerCarrier) Set(key, val string) {
	c[key] = val
}

func (c headerCarrier) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}

type tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func newTracer(provider trace.TracerProvider, propagator propagation.TextMapPropagator) *tracer {
	return &tracer{
		tracer:     provider.Tracer(tracerName),
		propagator: propagator,
	}
}

// startProducer starts the publish span and injects its context into headers
func (t *tracer) startProducer(ctx context.Context, queue string, msg *amqp.Publishing) (context.Context, trace.Span) {
	if msg.Headers == nil {
		msg.Headers = make(amqp.Table)
	}

	ctx, span := t.tracer.Start(ctx, "rabbitmq.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.message.id", msg.MessageId),
			attribute.String("messaging.protocol", "AMQP"),
			attribute.String("messaging.protocol.version", "0.9.1"),
		),
	)
	t.propagator.Inject(ctx, headerCarrier(msg.Headers))

	return ctx, span
}

// startConsumer extracts the producer context from d and starts the consume span
func (t *tracer) startConsumer(queue string, d *amqp.Delivery) (context.Context, trace.Span) {
	ctx := t.propagator.Extract(context.Background(), headerCarrier(d.Headers))

	return t.tracer.Start(ctx, "rabbitmq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.operation", "receive"),
			attribute.String("messaging.message.id", d.MessageId),
			attribute.Bool("messaging.rabbitmq.redelivered", d.Redelivered),
			attribute.Int64("messaging.rabbitmq.delivery_tag", int64(d.DeliveryTag)),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if !span.IsRecording() {
		span.End()
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "OK")
	}
	span.End()
}
