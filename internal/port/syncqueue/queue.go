// Package syncqueue defines the durable sync operation queue port (interface).
package syncqueue

import (
	"context"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

// Queue is an at-least-once log of sync operations.
//
// Storage failures are wrapped in syncop.ErrQueueStorage; unknown ids in
// domain.ErrNotFound. An empty batch is not an error.
type Queue interface {
	// Enqueue validates and appends op, returning its sequence id.
	Enqueue(ctx context.Context, op syncop.Operation) (int64, error)

	// DequeueBatch claims up to max due pending operations in id order and
	// marks them processing. Concurrent callers never receive the same id.
	DequeueBatch(ctx context.Context, max int) ([]syncop.Operation, error)

	// MarkCompleted moves an item to completed. Terminal items are left
	// untouched and syncop.ErrTerminal is returned.
	MarkCompleted(ctx context.Context, id int64) error

	// MarkFailed spends one retry and returns the resulting status: pending
	// for a later batch, or abandoned once the retry budget is exhausted.
	MarkFailed(ctx context.Context, id int64, reason string) (syncop.Status, error)

	// Abandon moves a non-terminal item straight to abandoned.
	Abandon(ctx context.Context, id int64, reason string) error

	// Release returns processing items to pending without spending a retry.
	Release(ctx context.Context, ids []int64) error

	// RecoverStale returns every processing item to pending. Only safe while
	// no batch is in flight.
	RecoverStale(ctx context.Context) (int64, error)

	// Get returns a single item.
	Get(ctx context.Context, id int64) (*syncop.QueueItem, error)

	// ListByStatus returns up to limit items with the given status, oldest first.
	ListByStatus(ctx context.Context, status syncop.Status, limit int) ([]syncop.QueueItem, error)

	// Stats returns the authoritative counts.
	Stats(ctx context.Context) (syncop.QueueStats, error)

	// PurgeCompleted deletes completed items last updated before the cutoff.
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
}
