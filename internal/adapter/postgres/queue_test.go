package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpma-off/rpma-sync/internal/adapter/postgres"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue/syncqueuetest"
)

// setupPool connects to DATABASE_URL, runs all migrations and returns a pool
// closed via t.Cleanup.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestQueueCompliance(t *testing.T) {
	pool := setupPool(t)

	syncqueuetest.RunComplianceTests(t, func(t *testing.T, p syncop.RetryPolicy) syncqueue.Queue {
		if _, err := pool.Exec(context.Background(), `TRUNCATE sync_queue RESTART IDENTITY`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return postgres.NewQueue(pool, p)
	})
}

func TestMigrationVersion(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("expected version >= 1, got %d", v)
	}
}
