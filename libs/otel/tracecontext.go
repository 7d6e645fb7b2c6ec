package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext is the W3C trace context persisted next to a deferred message
// so the relay can continue the trace of the request that produced it.
type TraceContext struct {
	Traceparent string
	Tracestate  string
}

func CurrentTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{
		Traceparent: carrier["traceparent"],
		Tracestate:  carrier["tracestate"],
	}
}

// Context returns parent carrying tc as its remote span context.
func (tc TraceContext) Context(parent context.Context) context.Context {
	if tc.Traceparent == "" && tc.Tracestate == "" {
		return parent
	}
	carrier := propagation.MapCarrier{
		"traceparent": tc.Traceparent,
		"tracestate":  tc.Tracestate,
	}
	return otel.GetTextMapPropagator().Extract(parent, carrier)
}
