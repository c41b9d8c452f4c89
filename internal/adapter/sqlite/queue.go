package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

const itemColumns = `id, entity_type, entity_id, operation_type, data, dependencies, timestamp_utc,
	status, retry_count, max_retries, next_attempt_at, last_error, claimed_at, created_at, updated_at`

// Queue implements syncqueue.Queue on SQLite. Times are stored as unix
// milliseconds, except the operation clock which keeps full precision.
type Queue struct {
	db     *sql.DB
	policy syncop.RetryPolicy
	now    func() time.Time
}

// NewQueue creates a queue on an opened and migrated database.
func NewQueue(db *sql.DB, policy syncop.RetryPolicy) *Queue {
	return &Queue{db: db, policy: policy, now: time.Now}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, syncop.ErrQueueStorage, err)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (q *Queue) Enqueue(ctx context.Context, op syncop.Operation) (int64, error) {
	op = op.Normalize()
	if err := op.Validate(); err != nil {
		return 0, err
	}

	var data sql.NullString
	if op.Data != nil {
		b, err := json.Marshal(op.Data)
		if err != nil {
			return 0, fmt.Errorf("encode data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	deps := op.Dependencies
	if deps == nil {
		deps = []syncop.EntityRef{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return 0, fmt.Errorf("encode dependencies: %w", err)
	}

	now := toMillis(q.now())
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_queue (entity_type, entity_id, operation_type, data, dependencies, timestamp_utc,
			status, max_retries, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		string(op.EntityType), op.EntityID, string(op.Type), data, string(depsJSON),
		op.TimestampUTC.Format(time.RFC3339Nano), q.policy.MaxRetries, now, now, now)
	if err != nil {
		return 0, storageErr("enqueue sync operation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("enqueue sync operation", err)
	}
	return id, nil
}

func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]syncop.Operation, error) {
	if max <= 0 {
		return nil, nil
	}
	now := toMillis(q.now())
	rows, err := q.db.QueryContext(ctx,
		`UPDATE sync_queue SET status = 'processing', claimed_at = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM sync_queue
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY id
			LIMIT ?
		 )
		 RETURNING `+itemColumns, now, now, now, max)
	if err != nil {
		return nil, storageErr("dequeue sync batch", err)
	}
	defer func() { _ = rows.Close() }()

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
	sortByID(ops)
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
	args := make([]any, 0, len(ids)+1)
	args = append(args, toMillis(q.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', claimed_at = NULL, updated_at = ?
		 WHERE status = 'processing' AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return storageErr("release sync claims", err)
	}
	return nil
}

func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', claimed_at = NULL, updated_at = ?
		 WHERE status = 'processing'`, toMillis(q.now()))
	if err != nil {
		return 0, storageErr("recover stale claims", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("recover stale claims", err)
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*syncop.QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
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
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM sync_queue WHERE status = ? ORDER BY id LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, storageErr("list sync operations", err)
	}
	defer func() { _ = rows.Close() }()

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
		avg    sql.NullFloat64
		oldest sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'processing'), 0),
			COALESCE(SUM(status = 'completed'), 0),
			COALESCE(SUM(status = 'abandoned'), 0),
			COALESCE(SUM(status = 'pending' AND retry_count > 0), 0),
			COUNT(*),
			AVG(retry_count),
			MIN(CASE WHEN status = 'pending' THEN created_at END)
		 FROM sync_queue`,
	).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Abandoned, &s.Retrying, &s.Total, &avg, &oldest)
	if err != nil {
		return s, storageErr("sync queue stats", err)
	}
	if avg.Valid {
		s.AverageRetryCount = avg.Float64
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		s.OldestPendingAt = &t
	}
	return s, nil
}

func (q *Queue) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'completed' AND updated_at < ?`, toMillis(before))
	if err != nil {
		return 0, storageErr("purge completed sync operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge completed sync operations", err)
	}
	return n, nil
}

// transition loads the item inside a transaction, applies fn and writes the
// bookkeeping columns back. fn returning an error leaves the row unchanged.
func (q *Queue) transition(ctx context.Context, id int64, fn func(it *syncop.QueueItem, now time.Time) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		return notFoundWrap(err, "sync operation %d", id)
	}
	if err := fn(&it, fromMillis(toMillis(q.now()))); err != nil {
		return err
	}

	var claimed sql.NullInt64
	if it.ClaimedAt != nil {
		claimed = sql.NullInt64{Int64: toMillis(*it.ClaimedAt), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?,
			claimed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(it.Status), it.RetryCount, toMillis(it.NextAttemptAt), it.LastError,
		claimed, toMillis(it.UpdatedAt), id); err != nil {
		return storageErr(fmt.Sprintf("update sync operation %d", id), err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transition", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (syncop.QueueItem, error) {
	var (
		it                       syncop.QueueItem
		entity, opType, status   string
		data                     sql.NullString
		deps, ts                 string
		nextAt, createdAt, updAt int64
		claimedAt                sql.NullInt64
	)
	err := row.Scan(&it.Operation.ID, &entity, &it.Operation.EntityID, &opType, &data, &deps, &ts,
		&status, &it.RetryCount, &it.MaxRetries, &nextAt, &it.LastError, &claimedAt, &createdAt, &updAt)
	if err != nil {
		return it, err
	}

	it.Operation.EntityType = syncop.EntityType(entity)
	it.Operation.Type = syncop.OperationType(opType)
	it.Status = syncop.Status(status)
	if it.Operation.TimestampUTC, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return it, fmt.Errorf("parse timestamp of operation %d: %w", it.Operation.ID, err)
	}
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &it.Operation.Data); err != nil {
			return it, fmt.Errorf("decode data of operation %d: %w", it.Operation.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(deps), &it.Operation.Dependencies); err != nil {
		return it, fmt.Errorf("decode dependencies of operation %d: %w", it.Operation.ID, err)
	}
	if len(it.Operation.Dependencies) == 0 {
		it.Operation.Dependencies = nil
	}
	it.NextAttemptAt = fromMillis(nextAt)
	it.CreatedAt = fromMillis(createdAt)
	it.UpdatedAt = fromMillis(updAt)
	if claimedAt.Valid {
		t := fromMillis(claimedAt.Int64)
		it.ClaimedAt = &t
	}
	return it, nil
}

func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return storageErr(msg, err)
}

// sortByID orders a claimed batch; RETURNING row order is unspecified.
func sortByID(ops []syncop.Operation) {
	slices.SortFunc(ops, func(a, b syncop.Operation) int { return cmp.Compare(a.ID, b.ID) })
}
