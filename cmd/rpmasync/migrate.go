package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rpma-off/rpma-sync/internal/adapter/postgres"
	"github.com/rpma-off/rpma-sync/internal/adapter/sqlite"
	"github.com/rpma-off/rpma-sync/internal/config"
)

// runMigrate dispatches migrate subcommands (up, down, version).
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printMigrateHelp()
		return nil
	}
	action := args[0]
	switch action {
	case "up", "down", "version":
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", action)
	}

	fs := flag.NewFlagSet("migrate "+action, flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *steps < 1 {
		return errors.New("--steps must be >= 1")
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m, cleanup, err := newMigrator(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	switch action {
	case "up":
		if err := m.up(ctx); err != nil {
			return err
		}
	case "down":
		if err := m.down(ctx, *steps); err != nil {
			return err
		}
	}
	v, err := m.version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s schema version: %d\n", cfg.Queue.Backend, v)
	return nil
}

type migrator struct {
	up      func(ctx context.Context) error
	down    func(ctx context.Context, steps int) error
	version func(ctx context.Context) (int64, error)
}

func newMigrator(cfg *config.Config) (*migrator, func(), error) {
	switch cfg.Queue.Backend {
	case config.BackendSQLite:
		db, err := sqlite.Open(context.Background(), cfg.SQLite)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &migrator{
			up:      func(ctx context.Context) error { return sqlite.RunMigrations(ctx, db) },
			down:    func(ctx context.Context, n int) error { return sqlite.RollbackMigrations(ctx, db, n) },
			version: func(ctx context.Context) (int64, error) { return sqlite.MigrationVersion(ctx, db) },
		}, func() { _ = db.Close() }, nil

	case config.BackendPostgres:
		dsn := cfg.Postgres.DSN
		return &migrator{
			up:      func(ctx context.Context) error { return postgres.RunMigrations(ctx, dsn) },
			down:    func(ctx context.Context, n int) error { return postgres.RollbackMigrations(ctx, dsn, n) },
			version: func(ctx context.Context) (int64, error) { return postgres.MigrationVersion(ctx, dsn) },
		}, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("queue backend %q has no schema", cfg.Queue.Backend)
	}
}

func printMigrateHelp() {
	fmt.Fprintf(os.Stderr, `Usage: rpmasync migrate <command> [options]

Commands:
  up        Apply all pending migrations
  down      Roll back migrations (--steps N, default 1)
  version   Print the current schema version
  help      Show this help message

Options:
  --config  Path to the YAML config file (default rpmasync.yaml)
`)
}
