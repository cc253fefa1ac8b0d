// Package tracing holds the span helpers shared by the ledger services.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "carbonledger/pkg/domain-errors"
)

const instrumentation = "carbonledger"

// Start opens a span named op on the global tracer provider.
func Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, op, trace.WithAttributes(attrs...))
}

// End closes span, recording err and its code when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		code := dErrors.CodeOf(err)
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.code", string(code)))
		span.SetStatus(codes.Error, string(code))
	}
	span.End()
}
