package amqpx

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	spanID, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	headers := InjectTraceHeaders(ctx, nil)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("traceparent not injected: %v", headers)
	}

	got := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), amqp.Delivery{Headers: headers}))
	if got.TraceID() != traceID {
		t.Fatalf("trace id mismatch: %s", got.TraceID())
	}
}

func TestExtractEventMeta(t *testing.T) {
	meta := ExtractEventMeta(amqp.Delivery{
		MessageId:  "m-1",
		RoutingKey: "password",
		Exchange:   "passwordCreated",
		Headers:    amqp.Table{HeaderEventType: []byte("User_Created")},
	})
	if meta.MessageID != "m-1" || meta.EventType != "User_Created" || meta.Exchange != "passwordCreated" {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	fallback := ExtractEventMeta(amqp.Delivery{RoutingKey: "password"})
	if fallback.EventType != "password" {
		t.Fatalf("expected routing key fallback, got %q", fallback.EventType)
	}
}
