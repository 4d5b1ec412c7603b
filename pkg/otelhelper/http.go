package otelhelper

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("random-chats")

// InjectHTTP injects the current trace context into an outbound request's
// headers.
func InjectHTTP(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// ExtractHTTP extracts trace context from an inbound request's headers.
func ExtractHTTP(ctx context.Context, req *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(req.Header))
}

// StartClientSpan starts a CLIENT span for an outbound HTTP call and injects
// its context into the request headers. Caller must call span.End().
func StartClientSpan(ctx context.Context, req *http.Request, operationName string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	InjectHTTP(ctx, req)
	return ctx, span
}

// StartServerSpan extracts trace context from an inbound request and starts a
// SERVER span. Caller must call span.End().
func StartServerSpan(ctx context.Context, req *http.Request, operationName string) (context.Context, trace.Span) {
	ctx = ExtractHTTP(ctx, req)
	ctx, span := tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	return ctx, span
}

// WrapHandler wraps an http.Handler with a SERVER span and a request duration
// recording.
func WrapHandler(operationName string, duration metric.Float64Histogram, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := StartServerSpan(r.Context(), r, operationName)
		defer span.End()

		h.ServeHTTP(w, r.WithContext(ctx))

		if duration != nil {
			duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("http.route", operationName),
			))
		}
	})
}
