// Package memory implements the sync queue port in process memory. Nothing
// survives a restart; it backs tests and ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

// Queue is a mutex-guarded in-memory sync queue.
type Queue struct {
	mu     sync.Mutex
	items  map[int64]*syncop.QueueItem
	nextID int64
	policy syncop.RetryPolicy
	now    func() time.Time
}

// NewQueue creates an empty queue using policy for retries.
func NewQueue(policy syncop.RetryPolicy) *Queue {
	return &Queue{
		items:  make(map[int64]*syncop.QueueItem),
		policy: policy,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *Queue) Enqueue(_ context.Context, op syncop.Operation) (int64, error) {
	op = op.Normalize()
	if err := op.Validate(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	op.ID = q.nextID
	now := q.now().UTC()
	q.items[op.ID] = &syncop.QueueItem{
		Operation:     op,
		Status:        syncop.StatusPending,
		MaxRetries:    q.policy.MaxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return op.ID, nil
}

func (q *Queue) DequeueBatch(_ context.Context, max int) ([]syncop.Operation, error) {
	if max <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	var due []*syncop.QueueItem
	for _, it := range q.items {
		if it.Status == syncop.StatusPending && !it.NextAttemptAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Operation.ID < due[j].Operation.ID })
	if len(due) > max {
		due = due[:max]
	}

	ops := make([]syncop.Operation, 0, len(due))
	for _, it := range due {
		claimed := now
		it.Status = syncop.StatusProcessing
		it.ClaimedAt = &claimed
		it.UpdatedAt = now
		ops = append(ops, cloneOperation(it.Operation))
	}
	return ops, nil
}

func (q *Queue) MarkCompleted(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.lookup(id)
	if err != nil {
		return err
	}
	if it.Status.Terminal() {
		return syncop.ErrTerminal
	}
	it.Status = syncop.StatusCompleted
	it.ClaimedAt = nil
	it.UpdatedAt = q.now().UTC()
	return nil
}

func (q *Queue) MarkFailed(_ context.Context, id int64, reason string) (syncop.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.lookup(id)
	if err != nil {
		return "", err
	}
	if err := q.policy.Fail(it, reason, q.now().UTC()); err != nil {
		return it.Status, err
	}
	return it.Status, nil
}

func (q *Queue) Abandon(_ context.Context, id int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.lookup(id)
	if err != nil {
		return err
	}
	if it.Status.Terminal() {
		return syncop.ErrTerminal
	}
	it.Status = syncop.StatusAbandoned
	it.LastError = reason
	it.ClaimedAt = nil
	it.UpdatedAt = q.now().UTC()
	return nil
}

func (q *Queue) Release(_ context.Context, ids []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	for _, id := range ids {
		it, ok := q.items[id]
		if !ok || it.Status != syncop.StatusProcessing {
			continue
		}
		it.Status = syncop.StatusPending
		it.ClaimedAt = nil
		it.UpdatedAt = now
	}
	return nil
}

func (q *Queue) RecoverStale(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	var n int64
	for _, it := range q.items {
		if it.Status == syncop.StatusProcessing {
			it.Status = syncop.StatusPending
			it.ClaimedAt = nil
			it.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (q *Queue) Get(_ context.Context, id int64) (*syncop.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.lookup(id)
	if err != nil {
		return nil, err
	}
	cp := cloneItem(it)
	return &cp, nil
}

func (q *Queue) ListByStatus(_ context.Context, status syncop.Status, limit int) ([]syncop.QueueItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, domain.ErrValidation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []syncop.QueueItem
	for _, it := range q.items {
		if it.Status == status {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation.ID < out[j].Operation.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Stats(_ context.Context) (syncop.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s syncop.QueueStats
	var retries int
	for _, it := range q.items {
		s.Total++
		retries += it.RetryCount
		switch it.Status {
		case syncop.StatusPending:
			s.Pending++
			if it.RetryCount > 0 {
				s.Retrying++
			}
			if s.OldestPendingAt == nil || it.CreatedAt.Before(*s.OldestPendingAt) {
				t := it.CreatedAt
				s.OldestPendingAt = &t
			}
		case syncop.StatusProcessing:
			s.Processing++
		case syncop.StatusCompleted:
			s.Completed++
		case syncop.StatusAbandoned:
			s.Abandoned++
		}
	}
	if s.Total > 0 {
		s.AverageRetryCount = float64(retries) / float64(s.Total)
	}
	return s, nil
}

func (q *Queue) PurgeCompleted(_ context.Context, before time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for id, it := range q.items {
		if it.Status == syncop.StatusCompleted && it.UpdatedAt.Before(before) {
			delete(q.items, id)
			n++
		}
	}
	return n, nil
}

func (q *Queue) lookup(id int64) (*syncop.QueueItem, error) {
	it, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("sync operation %d: %w", id, domain.ErrNotFound)
	}
	return it, nil
}

func cloneItem(it *syncop.QueueItem) syncop.QueueItem {
	cp := *it
	cp.Operation = cloneOperation(it.Operation)
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		cp.ClaimedAt = &t
	}
	return cp
}

// cloneOperation copies the top level of Data and the dependency slice so
// callers cannot mutate queue state.
func cloneOperation(op syncop.Operation) syncop.Operation {
	if op.Data != nil {
		data := make(map[string]any, len(op.Data))
		for k, v := range op.Data {
			data[k] = v
		}
		op.Data = data
	}
	if op.Dependencies != nil {
		op.Dependencies = append([]syncop.EntityRef(nil), op.Dependencies...)
	}
	return op
}
