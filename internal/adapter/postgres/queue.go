package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpma-off/rpma-sync/internal/domain"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

const itemColumns = `id, entity_type, entity_id, operation_type, data, dependencies, timestamp_utc,
	status, retry_count, max_retries, next_attempt_at, last_error, claimed_at, created_at, updated_at`

// Queue implements syncqueue.Queue on PostgreSQL. Several processes may share
// one table; claims use FOR UPDATE SKIP LOCKED.
type Queue struct {
	pool   *pgxpool.Pool
	policy syncop.RetryPolicy
	now    func() time.Time
}

// NewQueue creates a queue backed by the given connection pool.
func NewQueue(pool *pgxpool.Pool, policy syncop.RetryPolicy) *Queue {
	return &Queue{pool: pool, policy: policy, now: time.Now}
}

func (q *Queue) Enqueue(ctx context.Context, op syncop.Operation) (int64, error) {
	op = op.Normalize()
	if err := op.Validate(); err != nil {
		return 0, err
	}
	data, err := encodeJSON(op.Data)
	if err != nil {
		return 0, fmt.Errorf("encode data: %w", err)
	}
	deps, err := encodeDeps(op.Dependencies)
	if err != nil {
		return 0, fmt.Errorf("encode dependencies: %w", err)
	}

	now := q.now().UTC()
	var id int64
	err = q.pool.QueryRow(ctx,
		`INSERT INTO sync_queue (entity_type, entity_id, operation_type, data, dependencies, timestamp_utc,
			status, max_retries, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $8, $8)
		 RETURNING id`,
		string(op.EntityType), op.EntityID, string(op.Type), data, deps, op.TimestampUTC,
		q.policy.MaxRetries, now,
	).Scan(&id)
	if err != nil {
		return 0, storageErr("enqueue sync operation", err)
	}
	return id, nil
}

func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]syncop.Operation, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.now().UTC()
	rows, err := q.pool.Query(ctx,
		`UPDATE sync_queue SET status = 'processing', claimed_at = $1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM sync_queue
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+itemColumns, now, max)
	if err != nil {
		return nil, storageErr("dequeue sync batch", err)
	}
	defer rows.Close()

	var ops []syncop.Operation
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("scan sync operation", err)
		}
		ops = append(ops, it.Operation)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("dequeue sync batch", err)
	}
	// RETURNING does not preserve the subquery order.
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return q.transition(ctx, id, func(it *syncop.QueueItem, now time.Time) error {
		if it.Status.Terminal() {
			return syncop.ErrTerminal
		}
		it.Status = syncop.StatusCompleted
		it.ClaimedAt = nil
		it.UpdatedAt = now
		return nil
	})
}

func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string) (syncop.Status, error) {
	var status syncop.Status
	err := q.transition(ctx, id, func(it *syncop.QueueItem, now time.Time) error {
		err := q.policy.Fail(it, reason, now)
		status = it.Status
		return err
	})
	return status, err
}

func (q *Queue) Abandon(ctx context.Context, id int64, reason string) error {
	return q.transition(ctx, id, func(it *syncop.QueueItem, now time.Time) error {
		if it.Status.Terminal() {
			return syncop.ErrTerminal
		}
		it.Status = syncop.StatusAbandoned
		it.LastError = reason
		it.ClaimedAt = nil
		it.UpdatedAt = now
		return nil
	})
}

func (q *Queue) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.pool.Exec(ctx,
		`UPDATE sync_queue SET status = 'pending', claimed_at = NULL, updated_at = $1
		 WHERE id = ANY($2) AND status = 'processing'`, q.now().UTC(), ids)
	if err != nil {
		return storageErr("release sync claims", err)
	}
	return nil
}

func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE sync_queue SET status = 'pending', claimed_at = NULL, updated_at = $1
		 WHERE status = 'processing'`, q.now().UTC())
	if err != nil {
		return 0, storageErr("recover stale claims", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*syncop.QueueItem, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = $1`, id)
	it, err := scanItem(row)
	if err != nil {
		return nil, notFoundWrap(err, "get sync operation %d", id)
	}
	return &it, nil
}

func (q *Queue) ListByStatus(ctx context.Context, status syncop.Status, limit int) ([]syncop.QueueItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, domain.ErrValidation)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM sync_queue WHERE status = $1 ORDER BY id LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, storageErr("list sync operations", err)
	}
	defer rows.Close()

	var items []syncop.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("scan sync operation", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sync operations", err)
	}
	return items, nil
}

func (q *Queue) Stats(ctx context.Context) (syncop.QueueStats, error) {
	var (
		s      syncop.QueueStats
		avg    float64
		oldest *time.Time
	)
	err := q.pool.QueryRow(ctx,
		`SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'abandoned'),
			count(*) FILTER (WHERE status = 'pending' AND retry_count > 0),
			count(*),
			COALESCE(avg(retry_count), 0)::float8,
			min(created_at) FILTER (WHERE status = 'pending')
		 FROM sync_queue`,
	).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Abandoned, &s.Retrying, &s.Total, &avg, &oldest)
	if err != nil {
		return s, storageErr("sync queue stats", err)
	}
	s.AverageRetryCount = avg
	if oldest != nil {
		t := oldest.UTC()
		s.OldestPendingAt = &t
	}
	return s, nil
}

func (q *Queue) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM sync_queue WHERE status = 'completed' AND updated_at < $1`, before.UTC())
	if err != nil {
		return 0, storageErr("purge completed sync operations", err)
	}
	return tag.RowsAffected(), nil
}

// transition loads the item under a row lock, applies fn and writes the
// bookkeeping columns back. fn returning an error leaves the row unchanged.
func (q *Queue) transition(ctx context.Context, id int64, fn func(it *syncop.QueueItem, now time.Time) error) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin transition", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = $1 FOR UPDATE`, id)
	it, err := scanItem(row)
	if err != nil {
		return notFoundWrap(err, "sync operation %d", id)
	}
	if err := fn(&it, q.now().UTC()); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sync_queue SET status = $2, retry_count = $3, next_attempt_at = $4, last_error = $5,
			claimed_at = $6, updated_at = $7
		 WHERE id = $1`,
		id, string(it.Status), it.RetryCount, it.NextAttemptAt, it.LastError, nullTime(it.ClaimedAt), it.UpdatedAt)
	if err := execExpectOne(tag, err, "update sync operation %d", id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit transition", err)
	}
	return nil
}

func scanItem(row scannable) (syncop.QueueItem, error) {
	var (
		it             syncop.QueueItem
		entity, opType string
		status         string
		data, deps     []byte
		claimedAt      *time.Time
	)
	err := row.Scan(&it.Operation.ID, &entity, &it.Operation.EntityID, &opType, &data, &deps,
		&it.Operation.TimestampUTC, &status, &it.RetryCount, &it.MaxRetries, &it.NextAttemptAt,
		&it.LastError, &claimedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	it.Operation.EntityType = syncop.EntityType(entity)
	it.Operation.Type = syncop.OperationType(opType)
	it.Status = syncop.Status(status)
	if err := decodeOperationJSON(&it.Operation, data, deps); err != nil {
		return it, err
	}
	it.Operation.TimestampUTC = it.Operation.TimestampUTC.UTC()
	it.NextAttemptAt = it.NextAttemptAt.UTC()
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	if claimedAt != nil {
		t := claimedAt.UTC()
		it.ClaimedAt = &t
	}
	return it, nil
}
