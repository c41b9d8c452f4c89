package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/remotestore"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue"
)

// fakeRemote is an in-memory remote store that records every call.
type fakeRemote struct {
	mu        sync.Mutex
	rows      map[syncop.EntityRef]map[string]any
	calls     []string
	healthErr error
	errs      map[string]error // "create client:c1" -> error returned instead

	// When set, HealthCheck signals entered and then waits for release.
	entered chan struct{}
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows: make(map[syncop.EntityRef]map[string]any),
		errs: make(map[string]error),
	}
}

func (f *fakeRemote) put(entity syncop.EntityType, id string, row map[string]any) {
	f.mu.Lock()
	f.rows[syncop.EntityRef{Type: entity, ID: id}] = row
	f.mu.Unlock()
}

func (f *fakeRemote) row(entity syncop.EntityType, id string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[syncop.EntityRef{Type: entity, ID: id}]
	return r, ok
}

func (f *fakeRemote) failWith(method string, entity syncop.EntityType, id string, err error) {
	f.mu.Lock()
	f.errs[fmt.Sprintf("%s %s:%s", method, entity, id)] = err
	f.mu.Unlock()
}

func (f *fakeRemote) setHealth(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// record logs the call and returns an injected error for it, if any.
// Caller holds f.mu.
func (f *fakeRemote) record(method string, entity syncop.EntityType, id string) error {
	key := fmt.Sprintf("%s %s:%s", method, entity, id)
	f.calls = append(f.calls, key)
	return f.errs[key]
}

func (f *fakeRemote) EntityExists(_ context.Context, entity syncop.EntityType, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("exists", entity, id); err != nil {
		return false, err
	}
	_, ok := f.rows[syncop.EntityRef{Type: entity, ID: id}]
	return ok, nil
}

func (f *fakeRemote) CreateEntity(_ context.Context, entity syncop.EntityType, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", entity, id); err != nil {
		return err
	}
	ref := syncop.EntityRef{Type: entity, ID: id}
	if existing, ok := f.rows[ref]; ok {
		return &remotestore.ConflictError{EntityType: entity, EntityID: id, Existing: existing}
	}
	f.rows[ref] = payload
	return nil
}

func (f *fakeRemote) UpdateEntity(_ context.Context, entity syncop.EntityType, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("update", entity, id); err != nil {
		return err
	}
	ref := syncop.EntityRef{Type: entity, ID: id}
	if _, ok := f.rows[ref]; !ok {
		return remotestore.ErrNotFound
	}
	f.rows[ref] = payload
	return nil
}

func (f *fakeRemote) DeleteEntity(_ context.Context, entity syncop.EntityType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", entity, id); err != nil {
		return err
	}
	ref := syncop.EntityRef{Type: entity, ID: id}
	if _, ok := f.rows[ref]; !ok {
		return remotestore.ErrNotFound
	}
	delete(f.rows, ref)
	return nil
}

func (f *fakeRemote) HealthCheck(_ context.Context) error {
	f.mu.Lock()
	f.calls = append(f.calls, "health")
	err := f.healthErr
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return err
}

// failingQueue fails MarkCompleted for one id with a storage error.
type failingQueue struct {
	syncqueue.Queue
	failID int64
}

func (q *failingQueue) MarkCompleted(ctx context.Context, id int64) error {
	if id == q.failID {
		return fmt.Errorf("mark completed: %w: disk full", syncop.ErrQueueStorage)
	}
	return q.Queue.MarkCompleted(ctx, id)
}

// gatedQueue blocks RecoverStale until release is closed.
type gatedQueue struct {
	syncqueue.Queue
	entered chan struct{}
	release chan struct{}
}

func (q *gatedQueue) RecoverStale(ctx context.Context) (int64, error) {
	close(q.entered)
	<-q.release
	return q.Queue.RecoverStale(ctx)
}

// recordingPublisher captures published subjects.
type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	p.subjects = append(p.subjects, subject)
	p.data = append(p.data, data)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

// recordingBroadcaster captures websocket event types.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	b.mu.Lock()
	b.events = append(b.events, eventType)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// mapCache is a minimal cache.Cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}
