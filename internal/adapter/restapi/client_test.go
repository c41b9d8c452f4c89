package restapi_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpma-off/rpma-sync/internal/adapter/restapi"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/remotestore"
	"github.com/rpma-off/rpma-sync/internal/resilience"
)

func newClient(t *testing.T, h http.HandlerFunc, opts ...restapi.Option) *restapi.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return restapi.NewClient(srv.URL, "test-key", 5*time.Second, opts...)
}

func TestEntityExists(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/intervention_steps" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "eq.s1" && got != "eq.s2" {
			t.Fatalf("unexpected id filter %q", got)
		}
		if r.URL.Query().Get("select") != "id" {
			t.Fatalf("expected select=id, got %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("id") == "eq.s1" {
			_, _ = w.Write([]byte(`[{"id":"s1"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	ok, err := c.EntityExists(context.Background(), syncop.EntityStep, "s1")
	if err != nil || !ok {
		t.Fatalf("expected s1 to exist, got %v, %v", ok, err)
	}
	ok, err = c.EntityExists(context.Background(), syncop.EntityStep, "s2")
	if err != nil || ok {
		t.Fatalf("expected s2 to be missing, got %v, %v", ok, err)
	}
}

func TestAuthHeaders(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "test-key" {
			t.Fatalf("missing apikey header")
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Fatalf("unexpected auth: %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateEntitySendsIDAndRepresentation(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/clients" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Fatalf("expected Prefer header, got %q", r.Header.Get("Prefer"))
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"id":"c1"`) {
			t.Fatalf("expected id in body: %s", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
	if err := c.CreateEntity(context.Background(), syncop.EntityClient, "c1", map[string]any{"name": "Acme"}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateEntityConflictWithRow(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`[{"id":"c1","name":"remote","updated_at":"2026-01-01T00:00:00Z"}]`))
	})
	err := c.CreateEntity(context.Background(), syncop.EntityClient, "c1", map[string]any{"name": "local"})
	ce, ok := remotestore.AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.Existing["name"] != "remote" {
		t.Fatalf("unexpected snapshot: %v", ce.Existing)
	}
}

func TestCreateEntityConflictFetchesRow(t *testing.T) {
	var gets atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint \"clients_pkey\""}`))
		case http.MethodGet:
			gets.Add(1)
			if r.URL.Query().Get("select") != "*" {
				t.Fatalf("expected full row fetch, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`[{"id":"c1","updated_at":"2026-01-01T00:00:00Z"}]`))
		}
	})
	err := c.CreateEntity(context.Background(), syncop.EntityClient, "c1", map[string]any{"name": "local"})
	ce, ok := remotestore.AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if gets.Load() != 1 || ce.Existing["updated_at"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("expected fetched snapshot, gets=%d existing=%v", gets.Load(), ce.Existing)
	}
	if strings.Contains(err.Error(), "duplicate key") {
		t.Fatalf("error leaks remote body: %v", err)
	}
}

func TestUpdateEntityNotFound(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"404", http.StatusNotFound, `{"message":"not found"}`},
		{"empty representation", http.StatusOK, `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPatch || r.URL.Query().Get("id") != "eq.t1" {
					t.Fatalf("unexpected request: %s %s", r.Method, r.URL.RawQuery)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			err := c.UpdateEntity(context.Background(), syncop.EntityTask, "t1", map[string]any{"title": "x"})
			if !errors.Is(err, remotestore.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestUpdateEntityOK(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"t1","title":"x"}]`))
	})
	if err := c.UpdateEntity(context.Background(), syncop.EntityTask, "t1", map[string]any{"title": "x"}); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteMissingIsNotFoundForEveryEntity(t *testing.T) {
	for _, entity := range syncop.EntityTypes() {
		t.Run(string(entity), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete || r.URL.Path != "/"+entity.Table() {
					t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(http.StatusNotFound)
			})
			err := c.DeleteEntity(context.Background(), entity, "gone")
			if !errors.Is(err, remotestore.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestServerErrorIsTransientWithoutBody(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`secret upstream details`))
	})
	err := c.UpdateEntity(context.Background(), syncop.EntityPhoto, "p1", map[string]any{"a": 1})
	if !errors.Is(err, syncop.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
	var se *remotestore.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status error 502, got %v", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks remote body: %v", err)
	}
}

func TestClientErrorIsNotTransient(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	err := c.CreateEntity(context.Background(), syncop.EntityUser, "u1", map[string]any{"a": 1})
	if errors.Is(err, syncop.ErrTransientNetwork) {
		t.Fatalf("400 must not be transient: %v", err)
	}
	var se *remotestore.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status error 400, got %v", err)
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := restapi.NewClient(url, "k", time.Second)
	if err := c.HealthCheck(context.Background()); !errors.Is(err, syncop.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c.SetBreaker(resilience.NewBreaker(2, time.Hour, resilience.WithFailureFilter(restapi.CountsAgainstBreaker)))

	for i := 0; i < 3; i++ {
		err := c.HealthCheck(context.Background())
		if !errors.Is(err, syncop.ErrTransientNetwork) {
			t.Fatalf("call %d: expected transient error, got %v", i, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected the open breaker to short-circuit the third call, got %d calls", calls.Load())
	}
}

func TestBreakerOpensOnRateLimit(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	b := resilience.NewBreaker(2, time.Hour, resilience.WithFailureFilter(restapi.CountsAgainstBreaker))
	c.SetBreaker(b)

	for i := 0; i < 2; i++ {
		if err := c.HealthCheck(context.Background()); !errors.Is(err, syncop.ErrTransientNetwork) {
			t.Fatalf("call %d: expected transient error, got %v", i, err)
		}
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("expected open breaker after two 429s, got %s", b.State())
	}
}

func TestBreakerIgnoresClientErrorsAndCancellation(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	b := resilience.NewBreaker(1, time.Hour, resilience.WithFailureFilter(restapi.CountsAgainstBreaker))
	c.SetBreaker(b)

	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected a health check error for 400")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != resilience.StateClosed {
		t.Fatalf("400 and cancellation must not trip the breaker, got %s", b.State())
	}
}

func TestTableOverride(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2_photos" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[]`))
	}, restapi.WithTables(map[syncop.EntityType]string{syncop.EntityPhoto: "v2_photos"}))
	if _, err := c.EntityExists(context.Background(), syncop.EntityPhoto, "p1"); err != nil {
		t.Fatal(err)
	}
}
