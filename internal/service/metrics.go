package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue"
)

// Operation outcome labels.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeAbandoned = "abandoned"
)

// MetricsRecorder mirrors sync counters to an external metrics backend.
type MetricsRecorder interface {
	RecordOperation(ctx context.Context, entity syncop.EntityType, op syncop.OperationType, outcome string, conflict bool, d time.Duration)
	RecordBatch(ctx context.Context, r *syncop.Result)
}

// SyncMetrics holds process-wide sync counters. Counters are monotonic for
// the life of the process; queue gauges are read from the queue on demand.
type SyncMetrics struct {
	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	conflicts atomic.Int64
	batches   atomic.Int64
	lastBatch atomic.Int64 // nanoseconds

	recorder MetricsRecorder
	now      func() time.Time
}

// NewSyncMetrics creates the counters. recorder may be nil.
func NewSyncMetrics(recorder MetricsRecorder) *SyncMetrics {
	return &SyncMetrics{recorder: recorder, now: time.Now}
}

func (m *SyncMetrics) recordOperation(ctx context.Context, op *syncop.Operation, outcome string, conflict bool, d time.Duration) {
	switch outcome {
	case outcomeCompleted:
		m.completed.Add(1)
	case outcomeFailed:
		m.failed.Add(1)
	case outcomeAbandoned:
		m.abandoned.Add(1)
	}
	if conflict {
		m.conflicts.Add(1)
	}
	if m.recorder != nil {
		m.recorder.RecordOperation(ctx, op.EntityType, op.Type, outcome, conflict, d)
	}
}

func (m *SyncMetrics) recordBatch(ctx context.Context, r *syncop.Result) {
	m.batches.Add(1)
	m.lastBatch.Store(int64(r.Duration))
	if m.recorder != nil {
		m.recorder.RecordBatch(ctx, r)
	}
}

// Snapshot combines the counters with the queue's current gauges.
func (m *SyncMetrics) Snapshot(ctx context.Context, q syncqueue.Queue) (*syncop.MetricsSnapshot, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return nil, err
	}
	snap := &syncop.MetricsSnapshot{
		Pending:           stats.Pending,
		Processing:        stats.Processing,
		Completed:         stats.Completed,
		Failed:            stats.Retrying,
		Abandoned:         stats.Abandoned,
		AverageRetryCount: stats.AverageRetryCount,
		TotalCompleted:    m.completed.Load(),
		TotalFailed:       m.failed.Load(),
		TotalAbandoned:    m.abandoned.Load(),
		TotalConflicts:    m.conflicts.Load(),
		Batches:           m.batches.Load(),
		LastBatchDuration: time.Duration(m.lastBatch.Load()),
	}
	if stats.OldestPendingAt != nil {
		snap.OldestPendingAge = m.now().Sub(*stats.OldestPendingAt)
	}
	return snap, nil
}
