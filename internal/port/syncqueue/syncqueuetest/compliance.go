// Package syncqueuetest holds a behavioural suite every sync queue backend must pass.
package syncqueuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue"
)

// Factory returns a fresh, empty queue using policy.
type Factory func(t *testing.T, policy syncop.RetryPolicy) syncqueue.Queue

// ImmediateRetry is a policy whose failed items are due again at once.
func ImmediateRetry(maxRetries int) syncop.RetryPolicy {
	return syncop.RetryPolicy{MaxRetries: maxRetries}
}

// Op builds a valid create operation for entity id.
func Op(entity syncop.EntityType, id string) syncop.Operation {
	return syncop.Operation{
		EntityType:   entity,
		EntityID:     id,
		Type:         syncop.OpCreate,
		Data:         map[string]any{"id": id, "name": "n-" + id},
		TimestampUTC: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// RunComplianceTests runs the suite against queues built by newQueue.
func RunComplianceTests(t *testing.T, newQueue Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("EnqueueAssignsIncreasingIDs", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		a, err := q.Enqueue(ctx, Op(syncop.EntityClient, "c1"))
		if err != nil {
			t.Fatal(err)
		}
		b, err := q.Enqueue(ctx, Op(syncop.EntityClient, "c2"))
		if err != nil {
			t.Fatal(err)
		}
		if b <= a {
			t.Fatalf("expected increasing ids, got %d then %d", a, b)
		}
		item, err := q.Get(ctx, a)
		if err != nil {
			t.Fatal(err)
		}
		if item.Status != syncop.StatusPending || item.MaxRetries != 3 {
			t.Fatalf("unexpected item: status=%s max=%d", item.Status, item.MaxRetries)
		}
		if item.Operation.Data["name"] != "n-c1" {
			t.Fatalf("payload not preserved: %v", item.Operation.Data)
		}
	})

	t.Run("EnqueueRejectsInvalid", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		op := Op(syncop.EntityClient, "")
		if _, err := q.Enqueue(ctx, op); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("DequeueInIDOrderBounded", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		var ids []int64
		for _, id := range []string{"a", "b", "c"} {
			n, err := q.Enqueue(ctx, Op(syncop.EntityTask, id))
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, n)
		}
		batch, err := q.DequeueBatch(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) != 2 || batch[0].ID != ids[0] || batch[1].ID != ids[1] {
			t.Fatalf("unexpected batch: %+v", batch)
		}
		item, _ := q.Get(ctx, ids[0])
		if item.Status != syncop.StatusProcessing || item.ClaimedAt == nil {
			t.Fatalf("expected processing with claim time, got %s", item.Status)
		}
		rest, err := q.DequeueBatch(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(rest) != 1 || rest[0].ID != ids[2] {
			t.Fatalf("expected only the third item, got %+v", rest)
		}
		empty, err := q.DequeueBatch(ctx, 10)
		if err != nil || len(empty) != 0 {
			t.Fatalf("expected empty batch without error, got %d items, err=%v", len(empty), err)
		}
	})

	t.Run("ConcurrentDequeueNeverOverlaps", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		const total = 40
		for i := 0; i < total; i++ {
			if _, err := q.Enqueue(ctx, Op(syncop.EntityPhoto, fmt.Sprintf("p%02d", i))); err != nil {
				t.Fatal(err)
			}
		}
		var (
			mu   sync.Mutex
			seen = make(map[int64]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					batch, err := q.DequeueBatch(ctx, 3)
					if err != nil {
						t.Error(err)
						return
					}
					if len(batch) == 0 {
						return
					}
					mu.Lock()
					for _, op := range batch {
						seen[op.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(seen) != total {
			t.Fatalf("expected %d distinct claims, got %d", total, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("id %d claimed %d times", id, n)
			}
		}
	})

	t.Run("RetryMonotonicThenAbandoned", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		id, _ := q.Enqueue(ctx, Op(syncop.EntityUser, "u1"))
		prev := 0
		for i := 1; i <= 3; i++ {
			if _, err := q.DequeueBatch(ctx, 1); err != nil {
				t.Fatal(err)
			}
			st, err := q.MarkFailed(ctx, id, "boom")
			if err != nil {
				t.Fatal(err)
			}
			item, _ := q.Get(ctx, id)
			if item.RetryCount != prev+1 {
				t.Fatalf("retry count went %d -> %d", prev, item.RetryCount)
			}
			prev = item.RetryCount
			want := syncop.StatusPending
			if i == 3 {
				want = syncop.StatusAbandoned
			}
			if st != want || item.Status != want {
				t.Fatalf("attempt %d: expected %s, got %s/%s", i, want, st, item.Status)
			}
			if item.LastError != "boom" {
				t.Fatalf("last error not recorded: %q", item.LastError)
			}
		}
	})

	t.Run("TerminalItemsAreImmutable", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		id, _ := q.Enqueue(ctx, Op(syncop.EntityStep, "s1"))
		_, _ = q.DequeueBatch(ctx, 1)
		if err := q.MarkCompleted(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := q.MarkCompleted(ctx, id); !errors.Is(err, syncop.ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
		st, err := q.MarkFailed(ctx, id, "late")
		if !errors.Is(err, syncop.ErrTerminal) || st != syncop.StatusCompleted {
			t.Fatalf("expected completed + ErrTerminal, got %s, %v", st, err)
		}
		if err := q.Abandon(ctx, id, "late"); !errors.Is(err, syncop.ErrTerminal) {
			t.Fatalf("expected ErrTerminal, got %v", err)
		}
		item, _ := q.Get(ctx, id)
		if item.RetryCount != 0 || item.Status != syncop.StatusCompleted {
			t.Fatalf("terminal item changed: %+v", item)
		}
	})

	t.Run("UnknownIDNotFound", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		if err := q.MarkCompleted(ctx, 9999); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := q.Get(ctx, 9999); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AbandonReleaseRecover", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		a, _ := q.Enqueue(ctx, Op(syncop.EntityIntervention, "i1"))
		b, _ := q.Enqueue(ctx, Op(syncop.EntityIntervention, "i2"))
		c, _ := q.Enqueue(ctx, Op(syncop.EntityIntervention, "i3"))
		if _, err := q.DequeueBatch(ctx, 3); err != nil {
			t.Fatal(err)
		}
		if err := q.Abandon(ctx, a, "manual resolution needed"); err != nil {
			t.Fatal(err)
		}
		if err := q.Release(ctx, []int64{b}); err != nil {
			t.Fatal(err)
		}
		item, _ := q.Get(ctx, b)
		if item.Status != syncop.StatusPending || item.RetryCount != 0 {
			t.Fatalf("release should not spend a retry: %+v", item)
		}
		n, err := q.RecoverStale(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected one stale claim, got %d", n)
		}
		item, _ = q.Get(ctx, c)
		if item.Status != syncop.StatusPending {
			t.Fatalf("expected recovered item pending, got %s", item.Status)
		}
		abandoned, err := q.ListByStatus(ctx, syncop.StatusAbandoned, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(abandoned) != 1 || abandoned[0].Operation.ID != a {
			t.Fatalf("unexpected abandoned list: %+v", abandoned)
		}
	})

	t.Run("StatsAndPurge", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		a, _ := q.Enqueue(ctx, Op(syncop.EntityClient, "x1"))
		b, _ := q.Enqueue(ctx, Op(syncop.EntityClient, "x2"))
		_, _ = q.Enqueue(ctx, Op(syncop.EntityClient, "x3"))
		_, _ = q.DequeueBatch(ctx, 2)
		_ = q.MarkCompleted(ctx, a)
		_, _ = q.MarkFailed(ctx, b, "timeout")

		s, err := q.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if s.Total != 3 || s.Completed != 1 || s.Pending != 2 || s.Retrying != 1 || s.Processing != 0 {
			t.Fatalf("unexpected stats: %+v", s)
		}
		if s.OldestPendingAt == nil {
			t.Fatal("expected oldest pending time")
		}
		if s.AverageRetryCount < 0.33 || s.AverageRetryCount > 0.34 {
			t.Fatalf("unexpected average retry count %f", s.AverageRetryCount)
		}

		n, err := q.PurgeCompleted(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected one purged item, got %d", n)
		}
		if _, err := q.Get(ctx, a); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("purged item still present: %v", err)
		}
	})

	t.Run("DependenciesRoundTrip", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		op := Op(syncop.EntityStep, "s9")
		op.Dependencies = []syncop.EntityRef{{Type: syncop.EntityIntervention, ID: "i9"}}
		id, err := q.Enqueue(ctx, op)
		if err != nil {
			t.Fatal(err)
		}
		batch, err := q.DequeueBatch(ctx, 1)
		if err != nil || len(batch) != 1 {
			t.Fatalf("dequeue: %v (%d)", err, len(batch))
		}
		got := batch[0]
		if got.ID != id || len(got.Dependencies) != 1 || got.Dependencies[0].ID != "i9" {
			t.Fatalf("dependencies lost: %+v", got)
		}
		if !got.TimestampUTC.Equal(op.TimestampUTC) {
			t.Fatalf("timestamp changed: %v != %v", got.TimestampUTC, op.TimestampUTC)
		}
	})

	t.Run("ClockStoredAtMicrosecondPrecision", func(t *testing.T) {
		q := newQueue(t, ImmediateRetry(3))
		op := Op(syncop.EntityClient, "c-clock")
		op.TimestampUTC = time.Date(2026, 3, 1, 10, 0, 0, 987_654_321, time.UTC)
		id, err := q.Enqueue(ctx, op)
		if err != nil {
			t.Fatal(err)
		}
		item, err := q.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		want := op.TimestampUTC.Truncate(syncop.ClockPrecision)
		if !item.Operation.TimestampUTC.Equal(want) {
			t.Fatalf("expected %v, got %v", want, item.Operation.TimestampUTC)
		}
	})
}
