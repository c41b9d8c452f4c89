package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

const meterName = "rpmasync"

// Metrics holds the sync engine's metric instruments.
type Metrics struct {
	meter metric.Meter

	OperationsCompleted metric.Int64Counter
	OperationsFailed    metric.Int64Counter
	OperationsAbandoned metric.Int64Counter
	Conflicts           metric.Int64Counter
	Batches             metric.Int64Counter
	BatchDuration       metric.Float64Histogram
	OperationDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments on mp, or on the global
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{meter: meter}
	var err error

	m.OperationsCompleted, err = meter.Int64Counter("rpmasync.operations.completed",
		metric.WithDescription("Sync operations applied to the remote store"))
	if err != nil {
		return nil, err
	}

	m.OperationsFailed, err = meter.Int64Counter("rpmasync.operations.failed",
		metric.WithDescription("Sync operation attempts that failed and will be retried"))
	if err != nil {
		return nil, err
	}

	m.OperationsAbandoned, err = meter.Int64Counter("rpmasync.operations.abandoned",
		metric.WithDescription("Sync operations given up on"))
	if err != nil {
		return nil, err
	}

	m.Conflicts, err = meter.Int64Counter("rpmasync.conflicts",
		metric.WithDescription("Remote write conflicts detected"))
	if err != nil {
		return nil, err
	}

	m.Batches, err = meter.Int64Counter("rpmasync.batches",
		metric.WithDescription("Sync batches run"))
	if err != nil {
		return nil, err
	}

	m.BatchDuration, err = meter.Float64Histogram("rpmasync.batch.duration_seconds",
		metric.WithDescription("Sync batch duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.OperationDuration, err = meter.Float64Histogram("rpmasync.operation.duration_seconds",
		metric.WithDescription("Per-operation remote apply duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Outcome labels for RecordOperation.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// RecordOperation records one applied operation.
func (m *Metrics) RecordOperation(ctx context.Context, entity syncop.EntityType, op syncop.OperationType, outcome string, conflict bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("entity_type", string(entity)),
		attribute.String("operation_type", string(op)),
	)
	switch outcome {
	case OutcomeCompleted:
		m.OperationsCompleted.Add(ctx, 1, attrs)
	case OutcomeFailed:
		m.OperationsFailed.Add(ctx, 1, attrs)
	case OutcomeAbandoned:
		m.OperationsAbandoned.Add(ctx, 1, attrs)
	}
	if conflict {
		m.Conflicts.Add(ctx, 1, attrs)
	}
	m.OperationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBatch records a finished batch.
func (m *Metrics) RecordBatch(ctx context.Context, r *syncop.Result) {
	m.Batches.Add(ctx, 1)
	m.BatchDuration.Record(ctx, r.Duration.Seconds(),
		metric.WithAttributes(attribute.Bool("had_errors", r.Failed+r.Abandoned > 0)))
}

// RegisterQueueGauges exposes queue depth per status and the oldest pending
// age, read from stats at collection time.
func (m *Metrics) RegisterQueueGauges(stats func(ctx context.Context) (syncop.QueueStats, error)) (metric.Registration, error) {
	depth, err := m.meter.Int64ObservableGauge("rpmasync.queue.depth",
		metric.WithDescription("Sync queue items per status"))
	if err != nil {
		return nil, err
	}
	oldest, err := m.meter.Float64ObservableGauge("rpmasync.queue.oldest_pending_seconds",
		metric.WithDescription("Age of the oldest pending sync operation"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, err := stats(ctx)
		if err != nil {
			return err
		}
		for status, n := range map[syncop.Status]int{
			syncop.StatusPending:    s.Pending,
			syncop.StatusProcessing: s.Processing,
			syncop.StatusCompleted:  s.Completed,
			syncop.StatusAbandoned:  s.Abandoned,
		} {
			o.ObserveInt64(depth, int64(n), metric.WithAttributes(attribute.String("status", string(status))))
		}
		var age float64
		if s.OldestPendingAt != nil {
			age = time.Since(*s.OldestPendingAt).Seconds()
		}
		o.ObserveFloat64(oldest, age)
		return nil
	}, depth, oldest)
}
