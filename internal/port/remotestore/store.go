// Package remotestore defines the port to the remote REST store the engine replicates into.
package remotestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

// ErrNotFound reports that the remote entity does not exist.
var ErrNotFound = errors.New("remote entity not found")

// ConflictError is returned when the remote store refuses a write because a
// row with the same identity exists in an unexpected state.
type ConflictError struct {
	EntityType syncop.EntityType
	EntityID   string
	Existing   map[string]any // remote snapshot, may be nil when the store sent none
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict on %s %s", e.EntityType, e.EntityID)
}

// StatusError is a non-success response that is neither a conflict nor a not-found.
// Error() never includes the response body.
type StatusError struct {
	Method     string
	Table      string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s %s returned status %d", e.Method, e.Table, e.StatusCode)
}

// Client is the port to the remote store. Implementations are stateless with
// respect to sync bookkeeping and safe for concurrent use.
type Client interface {
	EntityExists(ctx context.Context, entity syncop.EntityType, id string) (bool, error)
	CreateEntity(ctx context.Context, entity syncop.EntityType, id string, payload map[string]any) error
	UpdateEntity(ctx context.Context, entity syncop.EntityType, id string, payload map[string]any) error
	DeleteEntity(ctx context.Context, entity syncop.EntityType, id string) error
	HealthCheck(ctx context.Context) error
}

// AsConflict unwraps a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
