package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

func TestExistenceChecker_CachesPositiveOnly(t *testing.T) {
	remote := newFakeRemote()
	c := newMapCache()
	e := NewExistenceChecker(remote, c, time.Minute)
	ctx := context.Background()
	missing := syncop.EntityRef{Type: syncop.EntityClient, ID: "c1"}

	for range 2 {
		ok, err := e.Exists(ctx, missing)
		if err != nil || ok {
			t.Fatalf("expected missing, got %v %v", ok, err)
		}
	}
	if n := remote.count("exists"); n != 2 {
		t.Fatalf("negative answers must not be cached, got %d lookups", n)
	}

	remote.put(syncop.EntityClient, "c1", map[string]any{"id": "c1"})
	for range 3 {
		ok, err := e.Exists(ctx, missing)
		if err != nil || !ok {
			t.Fatalf("expected exists, got %v %v", ok, err)
		}
	}
	if n := remote.count("exists"); n != 3 {
		t.Fatalf("positive answer must be cached, got %d lookups", n)
	}
	if !c.has("exists.client.c1") {
		t.Fatal("expected cache entry")
	}

	e.Forget(ctx, missing)
	if c.has("exists.client.c1") {
		t.Fatal("Forget must evict")
	}
}

func TestExistenceChecker_MarkExists(t *testing.T) {
	remote := newFakeRemote()
	e := NewExistenceChecker(remote, newMapCache(), time.Minute)
	ref := syncop.EntityRef{Type: syncop.EntityTask, ID: "t1"}

	e.MarkExists(context.Background(), ref)
	ok, err := e.Exists(context.Background(), ref)
	if err != nil || !ok {
		t.Fatalf("expected cached existence, got %v %v", ok, err)
	}
	if n := remote.count("exists"); n != 0 {
		t.Fatalf("expected no remote lookup, got %d", n)
	}
}

func TestExistenceChecker_NoCache(t *testing.T) {
	remote := newFakeRemote()
	remote.put(syncop.EntityUser, "u1", map[string]any{"id": "u1"})
	e := NewExistenceChecker(remote, nil, 0)
	ref := syncop.EntityRef{Type: syncop.EntityUser, ID: "u1"}

	for range 2 {
		if ok, err := e.Exists(context.Background(), ref); err != nil || !ok {
			t.Fatalf("expected exists, got %v %v", ok, err)
		}
	}
	e.MarkExists(context.Background(), ref)
	e.Forget(context.Background(), ref)
	if n := remote.count("exists"); n != 2 {
		t.Fatalf("expected a lookup per call without cache, got %d", n)
	}
}

func TestExistenceChecker_RemoteError(t *testing.T) {
	remote := newFakeRemote()
	remote.failWith("exists", syncop.EntityStep, "s1", syncop.ErrTransientNetwork)
	e := NewExistenceChecker(remote, newMapCache(), time.Minute)

	_, err := e.Exists(context.Background(), syncop.EntityRef{Type: syncop.EntityStep, ID: "s1"})
	if !errors.Is(err, syncop.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
