package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/rpma-off/rpma-sync/internal/adapter/http"
	"github.com/rpma-off/rpma-sync/internal/adapter/memory"
	cfnats "github.com/rpma-off/rpma-sync/internal/adapter/nats"
	"github.com/rpma-off/rpma-sync/internal/adapter/natskv"
	cfotel "github.com/rpma-off/rpma-sync/internal/adapter/otel"
	"github.com/rpma-off/rpma-sync/internal/adapter/postgres"
	"github.com/rpma-off/rpma-sync/internal/adapter/restapi"
	"github.com/rpma-off/rpma-sync/internal/adapter/ristretto"
	"github.com/rpma-off/rpma-sync/internal/adapter/sqlite"
	"github.com/rpma-off/rpma-sync/internal/adapter/tiered"
	"github.com/rpma-off/rpma-sync/internal/adapter/ws"
	"github.com/rpma-off/rpma-sync/internal/config"
	"github.com/rpma-off/rpma-sync/internal/logger"
	"github.com/rpma-off/rpma-sync/internal/middleware"
	"github.com/rpma-off/rpma-sync/internal/port/broadcast"
	"github.com/rpma-off/rpma-sync/internal/port/cache"
	"github.com/rpma-off/rpma-sync/internal/port/messagequeue"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue"
	"github.com/rpma-off/rpma-sync/internal/resilience"
	"github.com/rpma-off/rpma-sync/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "migrate":
		err = runMigrate(args)
	case "help":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: rpmasync [command] [options]

Commands:
  serve      Run the sync engine and its HTTP API (default)
  migrate    Apply or roll back the queue schema (up | down | version)
  help       Show this help message

Examples:
  rpmasync serve --config /etc/rpmasync.yaml
  rpmasync migrate up
  rpmasync migrate down --steps 2
`)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	appLog, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(appLog)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"queue_backend", cfg.Queue.Backend,
		"remote", cfg.Remote.BaseURL,
		"sync_interval", cfg.Sync.Interval,
		"nats", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTel, err := cfotel.Setup(ctx, cfg.OTel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---

	queue, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	// bus stays a nil interface without NATS; natsConn is only needed for KV buckets.
	var (
		natsConn *cfnats.Queue
		bus      messagequeue.Queue
	)
	if cfg.NATS.URL != "" {
		natsConn, err = cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		bus = natsConn
		defer func() { _ = bus.Drain() }()
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithFailureFilter(restapi.CountsAgainstBreaker),
		resilience.WithStateChange(func(from, to resilience.State) {
			slog.Warn("remote circuit changed", "from", from, "to", to)
		}),
	)
	remote := restapi.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Timeout,
		restapi.WithTables(cfg.Remote.EntityTables()))
	remote.SetBreaker(breaker)

	existsCache, closeCache, err := openExistsCache(ctx, cfg, natsConn)
	if err != nil {
		return err
	}
	defer closeCache()

	otelMetrics, err := cfotel.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	gauges, err := otelMetrics.RegisterQueueGauges(queue.Stats)
	if err != nil {
		return fmt.Errorf("otel gauges: %w", err)
	}
	defer func() { _ = gauges.Unregister() }()

	// --- Services ---

	hub := ws.NewHub(cfg.Server.AllowedOrigins)
	syncSvc := service.NewSyncService(
		queue,
		remote,
		service.NewExistenceChecker(remote, existsCache, cfg.Cache.ExistsTTL),
		service.NewSyncMetrics(otelMetrics),
		&cfg.Sync,
	)
	syncSvc.SetBroadcaster(hub)
	syncSvc.SetCircuitState(func() string { return string(breaker.State()) })
	if bus != nil {
		syncSvc.SetEventPublisher(bus)
	}
	hub.OnConnect(func(ctx context.Context) (ws.Message, bool) {
		st, err := syncSvc.Status(ctx)
		if err != nil {
			return ws.Message{}, false
		}
		msg, err := ws.NewMessage(broadcast.EventSyncStatus, st)
		return msg, err == nil
	})

	// --- HTTP ---

	checks := []cfhttp.HealthCheck{{Name: "queue", Check: func(ctx context.Context) error {
		_, err := queue.Stats(ctx)
		return err
	}}}
	if bus != nil {
		checks = append(checks, busHealthCheck(bus))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cfotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/ws", hub.HandleWS)
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(2 * time.Minute))
		cfhttp.MountRoutes(r, &cfhttp.Handlers{Sync: syncSvc, Checks: checks})
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Lifetimes ---

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error {
		if cfg.Sync.AutoStart {
			if err := syncSvc.Start(gctx); err != nil {
				return fmt.Errorf("sync service: %w", err)
			}
		}
		<-gctx.Done()
		syncSvc.Stop()
		slog.Info("sync service stopped")
		return nil
	})

	if bus != nil {
		g.Go(func() error {
			return subscribeTriggers(gctx, bus, syncSvc.HandleTrigger)
		})
	}

	return g.Wait()
}

// busHealthCheck reports the event bus connection state.
func busHealthCheck(bus messagequeue.Queue) cfhttp.HealthCheck {
	return cfhttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
		if !bus.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	}}
}

// subscribeTriggers feeds sync.trigger messages to handle until ctx is done.
func subscribeTriggers(ctx context.Context, bus messagequeue.Queue, handle messagequeue.Handler) error {
	cancelSub, err := bus.Subscribe(ctx, messagequeue.SubjectTrigger, handle)
	if err != nil {
		return fmt.Errorf("trigger subscriber: %w", err)
	}
	<-ctx.Done()
	cancelSub()
	return nil
}

// openQueue opens the configured queue backend and applies its migrations.
func openQueue(ctx context.Context, cfg *config.Config) (syncqueue.Queue, func(), error) {
	policy := cfg.Queue.RetryPolicy()

	switch cfg.Queue.Backend {
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		if err := sqlite.RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlite migrations: %w", err)
		}
		slog.Info("sqlite queue opened", "path", cfg.SQLite.Path)
		return sqlite.NewQueue(db, policy), func() { _ = db.Close() }, nil

	case config.BackendPostgres:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres queue connected", "max_conns", cfg.Postgres.MaxConns)
		return postgres.NewQueue(pool, policy), pool.Close, nil

	default:
		slog.Warn("memory queue selected, pending operations are lost on exit")
		return memory.NewQueue(policy), func() {}, nil
	}
}

// openExistsCache builds the dependency existence cache: ristretto in
// process, backed by a JetStream KV bucket when one is configured.
func openExistsCache(ctx context.Context, cfg *config.Config, bus *cfnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.Cache.MaxCostBytes, cfg.Cache.ExistsTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: %w", err)
	}
	if bus == nil || cfg.Cache.Bucket == "" {
		return l1, l1.Close, nil
	}

	kv, err := bus.KeyValue(ctx, cfg.Cache.Bucket, cfg.Cache.ExistsTTL)
	if err != nil {
		l1.Close()
		return nil, nil, fmt.Errorf("cache bucket: %w", err)
	}
	return tiered.New(l1, natskv.New(kv), cfg.Cache.ExistsTTL), l1.Close, nil
}
