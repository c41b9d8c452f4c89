package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

const tracerName = "rpmasync"

// StartBatchSpan starts a span for one sync batch.
func StartBatchSpan(ctx context.Context, batchID, trigger string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync.batch",
		trace.WithAttributes(
			attribute.String("sync.batch_id", batchID),
			attribute.String("sync.trigger", trigger),
		),
	)
}

// StartOperationSpan starts a span for applying one queued operation.
func StartOperationSpan(ctx context.Context, op *syncop.Operation) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync.operation",
		trace.WithAttributes(
			attribute.Int64("sync.operation_id", op.ID),
			attribute.String("sync.entity_type", string(op.EntityType)),
			attribute.String("sync.entity_id", op.EntityID),
			attribute.String("sync.operation_type", string(op.Type)),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
