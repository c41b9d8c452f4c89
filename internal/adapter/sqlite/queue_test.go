package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpma-off/rpma-sync/internal/config"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue/syncqueuetest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, config.SQLite{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestCompliance(t *testing.T) {
	syncqueuetest.RunComplianceTests(t, func(t *testing.T, p syncop.RetryPolicy) syncqueue.Queue {
		return NewQueue(openTestDB(t), p)
	})
}

func TestJournalModeIsWAL(t *testing.T) {
	db := openTestDB(t)
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}
}

func TestMigrationVersionAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	v, err := MigrationVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	if err := RollbackMigrations(ctx, db, 1); err != nil {
		t.Fatal(err)
	}
	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='sync_queue'").Scan(&name)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sync_queue dropped, got name=%q err=%v", name, err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	cfg := config.SQLite{Path: path, BusyTimeout: time.Second}

	db, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatal(err)
	}
	q := NewQueue(db, syncop.DefaultRetryPolicy())
	op := syncqueuetest.Op(syncop.EntityIntervention, "i1")
	op.TimestampUTC = time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	id, err := q.Enqueue(ctx, op)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueBatch(ctx, 1); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	q = NewQueue(db, syncop.DefaultRetryPolicy())

	n, err := q.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered claim, got %d, %v", n, err)
	}
	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != syncop.StatusPending {
		t.Fatalf("expected pending after recovery, got %s", item.Status)
	}
	if want := op.TimestampUTC.Truncate(syncop.ClockPrecision); !item.Operation.TimestampUTC.Equal(want) {
		t.Fatalf("operation clock changed across reopen: %v != %v", item.Operation.TimestampUTC, want)
	}
}

func TestBackoffSchedulesNextAttempt(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestDB(t), syncop.RetryPolicy{MaxRetries: 5, BaseDelay: time.Minute, MaxDelay: time.Hour})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	id, _ := q.Enqueue(ctx, syncqueuetest.Op(syncop.EntityTask, "t1"))
	_, _ = q.DequeueBatch(ctx, 1)
	if _, err := q.MarkFailed(ctx, id, "503"); err != nil {
		t.Fatal(err)
	}
	item, _ := q.Get(ctx, id)
	if want := now.Add(time.Minute); !item.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt = %v, want %v", item.NextAttemptAt, want)
	}

	if batch, _ := q.DequeueBatch(ctx, 1); len(batch) != 0 {
		t.Fatal("item redelivered before its backoff elapsed")
	}

	now = now.Add(61 * time.Second)
	batch, _ := q.DequeueBatch(ctx, 1)
	if len(batch) != 1 {
		t.Fatal("expected redelivery after backoff")
	}
	if _, err := q.MarkFailed(ctx, id, "503"); err != nil {
		t.Fatal(err)
	}
	item, _ = q.Get(ctx, id)
	if want := now.Add(2 * time.Minute); !item.NextAttemptAt.Equal(want) {
		t.Fatalf("second backoff = %v, want %v", item.NextAttemptAt, want)
	}
}
