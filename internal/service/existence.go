package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/cache"
	"github.com/rpma-off/rpma-sync/internal/port/remotestore"
)

// ExistenceChecker answers "does this entity exist remotely" for dependency
// checks. Only positive answers are cached: a missing dependency may appear
// at any moment, an existing one only disappears through our own delete.
type ExistenceChecker struct {
	remote remotestore.Client
	cache  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
}

// NewExistenceChecker creates a checker. c may be nil to disable caching.
func NewExistenceChecker(remote remotestore.Client, c cache.Cache, ttl time.Duration) *ExistenceChecker {
	return &ExistenceChecker{remote: remote, cache: c, ttl: ttl}
}

func existsKey(ref syncop.EntityRef) string {
	return "exists." + string(ref.Type) + "." + ref.ID
}

var existsMarker = []byte{1}

// Exists reports whether ref exists remotely. Concurrent lookups of the same
// ref share one remote call.
func (e *ExistenceChecker) Exists(ctx context.Context, ref syncop.EntityRef) (bool, error) {
	key := existsKey(ref)
	if e.cache != nil {
		if _, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			return true, nil
		} else if err != nil {
			slog.WarnContext(ctx, "existence cache get failed", "key", key, "error", err)
		}
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.remote.EntityExists(ctx, ref.Type, ref.ID)
	})
	if err != nil {
		return false, err
	}
	exists := v.(bool)
	if exists {
		e.MarkExists(ctx, ref)
	}
	return exists, nil
}

// MarkExists records that ref is known to exist.
func (e *ExistenceChecker) MarkExists(ctx context.Context, ref syncop.EntityRef) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, existsKey(ref), existsMarker, e.ttl); err != nil {
		slog.WarnContext(ctx, "existence cache set failed", "ref", ref.String(), "error", err)
	}
}

// Forget drops any cached positive answer for ref.
func (e *ExistenceChecker) Forget(ctx context.Context, ref syncop.EntityRef) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, existsKey(ref)); err != nil {
		slog.WarnContext(ctx, "existence cache delete failed", "ref", ref.String(), "error", err)
	}
}
