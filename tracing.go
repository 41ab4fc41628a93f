package meshbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingProducerInterceptor starts a producer span around a produce/send call.
func TracingProducerInterceptor(tracerName string) ProducerInterceptor {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, msg *Message, next Next) (any, error) {
		_, span := tracer.Start(ctx, "meshbus.produce "+msg.Name, trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()

		span.SetAttributes(
			attribute.String("meshbus.message_name", msg.Name),
			attribute.String("meshbus.message_id", msg.ID),
		)
		if cid := msg.Header(HeaderCorrelationID); cid != "" {
			span.SetAttributes(attribute.String("meshbus.correlation_id", cid))
		}

		result, err := next()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}

// TracingConsumerInterceptor starts a consumer span around an inbound dispatch.
func TracingConsumerInterceptor(tracerName string) ConsumerInterceptor {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, msg *Message, next Next) (any, error) {
		_, span := tracer.Start(ctx, "meshbus.consume "+msg.Name, trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		span.SetAttributes(
			attribute.String("meshbus.message_name", msg.Name),
			attribute.String("meshbus.message_id", msg.ID),
		)
		if cid := msg.Header(HeaderCorrelationID); cid != "" {
			span.SetAttributes(attribute.String("meshbus.correlation_id", cid))
		}

		result, err := next()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
