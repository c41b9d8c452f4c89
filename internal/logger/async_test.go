package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// sink stores every record written through any handler derived from it.
type sink struct {
	mu      sync.Mutex
	entries []map[string]string
	delay   time.Duration
}

// sinkHandler is a slog.Handler writing flattened records into a sink.
type sinkHandler struct {
	s     *sink
	attrs []slog.Attr
}

func (h *sinkHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *sinkHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.s.delay > 0 {
		time.Sleep(h.s.delay)
	}
	entry := map[string]string{"msg": rec.Message}
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.String()
	}
	rec.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.String()
		return true
	})
	h.s.mu.Lock()
	h.s.entries = append(h.s.entries, entry)
	h.s.mu.Unlock()
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sinkHandler{s: h.s, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *sinkHandler) WithGroup(string) slog.Handler { return h }

func (s *sink) snapshot() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.entries...)
}

// newAsyncLogger builds the same handler chain New uses when logging.async is set.
func newAsyncLogger(s *sink, bufSize, workers int) (*slog.Logger, *AsyncHandler) {
	ah := NewAsyncHandler(&sinkHandler{s: s}, bufSize, workers)
	return slog.New(NewContextHandler(ah)).With("service", "rpmasync"), ah
}

func TestAsyncHandler_BatchIDSurvivesHandoff(t *testing.T) {
	s := &sink{}
	log, ah := newAsyncLogger(s, 16, 1)

	ctx := WithBatchID(context.Background(), "b-42")
	log.InfoContext(ctx, "sync batch completed", "succeeded", 3)
	ah.Close()

	entries := s.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 record, got %d", len(entries))
	}
	e := entries[0]
	if e["batch_id"] != "b-42" || e["service"] != "rpmasync" || e["succeeded"] != "3" {
		t.Fatalf("unexpected record %v", e)
	}
}

func TestAsyncHandler_ConcurrentBatchWorkers(t *testing.T) {
	const workers = 8
	const opsPerBatch = 50

	s := &sink{}
	log, ah := newAsyncLogger(s, workers*opsPerBatch, 4)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithBatchID(context.Background(), fmt.Sprintf("b-%d", w))
			for i := range opsPerBatch {
				log.DebugContext(ctx, "sync operation settled", "op_id", i)
			}
		}()
	}
	wg.Wait()
	ah.Close()

	perBatch := map[string]int{}
	for _, e := range s.snapshot() {
		perBatch[e["batch_id"]]++
	}
	if len(perBatch) != workers {
		t.Fatalf("expected %d batches, got %v", workers, perBatch)
	}
	for id, n := range perBatch {
		if n != opsPerBatch {
			t.Fatalf("batch %s: expected %d records, got %d", id, opsPerBatch, n)
		}
	}
	if ah.DroppedCount() != 0 {
		t.Fatalf("nothing should drop with a large buffer, dropped %d", ah.DroppedCount())
	}
}

func TestAsyncHandler_SlowSinkDropsInsteadOfBlocking(t *testing.T) {
	s := &sink{delay: 10 * time.Millisecond}
	log, ah := newAsyncLogger(s, 1, 1)

	start := time.Now()
	for i := range 50 {
		log.Info("sync operation settled", "op_id", i)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("logging blocked on the sink for %v", elapsed)
	}
	ah.Close()

	dropped := ah.DroppedCount()
	if dropped == 0 {
		t.Fatal("expected records to be dropped")
	}
	if got := int64(len(s.snapshot())) + dropped; got != 50 {
		t.Fatalf("written plus dropped must equal 50, got %d", got)
	}
}

func TestAsyncHandler_CloseFlushesAndIsIdempotent(t *testing.T) {
	s := &sink{}
	log, ah := newAsyncLogger(s, 500, 2)
	component := log.With("component", "sync")

	const total = 200
	for i := range total {
		component.Info("sync: recovered stale claims", "count", i)
	}
	ah.Close()
	ah.Close()

	entries := s.snapshot()
	if len(entries) != total {
		t.Fatalf("expected %d records after close, got %d", total, len(entries))
	}
	for _, e := range entries {
		if e["component"] != "sync" {
			t.Fatalf("derived logger lost its attrs: %v", e)
		}
	}
}
