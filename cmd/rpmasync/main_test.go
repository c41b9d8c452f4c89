package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rpma-off/rpma-sync/internal/port/messagequeue"
)

// fakeBus is an in-process messagequeue.Queue.
type fakeBus struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]messagequeue.Handler
	cancelled chan struct{}
	subErr    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{connected: true, handlers: map[string]messagequeue.Handler{}, cancelled: make(chan struct{})}
}

func (b *fakeBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	h := b.handlers[subject]
	b.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, subject, data)
}

func (b *fakeBus) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.mu.Lock()
	b.handlers[subject] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, subject)
		b.mu.Unlock()
		close(b.cancelled)
	}, nil
}

func (b *fakeBus) subscribed(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[subject] != nil
}

func (b *fakeBus) Drain() error      { return nil }
func (b *fakeBus) Close() error      { return nil }
func (b *fakeBus) IsConnected() bool { return b.connected }

func TestSubscribeTriggers(t *testing.T) {
	bus := newFakeBus()
	got := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- subscribeTriggers(ctx, bus, func(_ context.Context, subject string, data []byte) error {
			got <- subject + " " + string(data)
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !bus.subscribed(messagequeue.SubjectTrigger) {
		if time.Now().After(deadline) {
			t.Fatal("trigger subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := bus.Publish(ctx, messagequeue.SubjectTrigger, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if msg := <-got; msg != "sync.trigger {}" {
		t.Fatalf("unexpected delivery %q", msg)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	<-bus.cancelled
}

func TestSubscribeTriggers_SubscribeError(t *testing.T) {
	bus := newFakeBus()
	bus.subErr = errors.New("no stream")

	err := subscribeTriggers(context.Background(), bus, func(context.Context, string, []byte) error { return nil })
	if err == nil || !errors.Is(err, bus.subErr) {
		t.Fatalf("expected wrapped subscribe error, got %v", err)
	}
}

func TestBusHealthCheck(t *testing.T) {
	bus := newFakeBus()
	check := busHealthCheck(bus)
	if check.Name != "nats" {
		t.Fatalf("unexpected check name %q", check.Name)
	}
	if err := check.Check(context.Background()); err != nil {
		t.Fatalf("connected bus: %v", err)
	}
	bus.connected = false
	if err := check.Check(context.Background()); err == nil {
		t.Fatal("expected error for a disconnected bus")
	}
}
