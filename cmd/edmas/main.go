package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/edmas/internal/adapter/cachedstore"
	edmashttp "github.com/Strob0t/edmas/internal/adapter/http"
	"github.com/Strob0t/edmas/internal/adapter/memory"
	"github.com/Strob0t/edmas/internal/adapter/nats"
	"github.com/Strob0t/edmas/internal/adapter/natskv"
	"github.com/Strob0t/edmas/internal/adapter/otel"
	"github.com/Strob0t/edmas/internal/adapter/postgres"
	"github.com/Strob0t/edmas/internal/adapter/ristretto"
	"github.com/Strob0t/edmas/internal/adapter/tiered"
	"github.com/Strob0t/edmas/internal/adapter/ws"
	"github.com/Strob0t/edmas/internal/config"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/logger"
	"github.com/Strob0t/edmas/internal/middleware"
	"github.com/Strob0t/edmas/internal/port/cache"
	"github.com/Strob0t/edmas/internal/port/statestore"
	"github.com/Strob0t/edmas/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "admin":
		err = runAdmin(os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] == "version":
		fmt.Println(version)
	case len(os.Args) > 1 && os.Args[1] != "serve":
		fmt.Fprintf(os.Stderr, "Usage: edmas [serve|admin|version]\n")
		os.Exit(2)
	default:
		err = run()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	defer closer.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"store_backend", cfg.Store.Backend,
		"project_id", cfg.Store.ProjectID,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOTEL, err := otel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	queue, err := nats.Connect(ctx, cfg.NATS.URL,
		nats.WithName("edmas-"+cfg.Store.ProjectID),
		nats.WithCredentials(cfg.Store.CredentialsPath),
	)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	store, closeStore, err := openStore(ctx, cfg, queue, true)
	if err != nil {
		return err
	}
	defer closeStore()

	var stateCache cache.Cache
	if cfg.Cache.Enabled {
		l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
		if err != nil {
			return fmt.Errorf("l1 cache: %w", err)
		}
		defer l1.Close()

		var l2 cache.Cache
		if cfg.Cache.L2Bucket != "" {
			kvc, err := natskv.OpenCache(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
			if err != nil {
				return fmt.Errorf("l2 cache: %w", err)
			}
			l2 = kvc
		}
		stateCache = tiered.New(l1, l2, cfg.Cache.L1TTL, log)
		store = cachedstore.New(store, stateCache, cfg.Store.ProjectID, cfg.Cache.L2TTL, log)
		log.Info("state cache enabled", "l1_mb", cfg.Cache.L1MaxSizeMB, "l2_bucket", cfg.Cache.L2Bucket)
	}

	// --- Services ---
	hub := ws.NewHub(cfg.Server.CORSOrigin, log)
	defer hub.Close()

	agents := service.NewAgentService(store, cfg.Agents, cfg.Store.ProjectID,
		service.WithQueue(queue),
		service.WithBroadcaster(hub),
		service.WithMetrics(metrics),
		service.WithBreaker(service.NewStoreBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)),
		service.WithLogger(log),
	)
	bootstrapAgents(ctx, agents, cfg, log)

	runErr := make(chan error, 1)
	go func() { runErr <- agents.Run(ctx) }()

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(otel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(edmashttp.Logger(log))
	r.Use(chimw.Recoverer)
	r.Use(edmashttp.SecurityHeaders)
	r.Use(edmashttp.CORS(cfg.Server.CORSOrigin))

	r.Get("/ws", hub.HandleWS)

	var guards edmashttp.Guards
	if stateCache != nil {
		guards.Idempotency = middleware.Idempotency(stateCache, cfg.Store.ProjectID, cfg.Server.IdempotencyTTL)
	}
	if cfg.Server.InboxBurst > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.InboxRate, cfg.Server.InboxBurst, middleware.URLParam("id"))
		stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		guards.InboxLimit = limiter.Handler
	}
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		edmashttp.MountRoutes(r, &edmashttp.Handlers{Agents: agents, Queue: queue, Version: version}, guards)
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var failure error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-srvErr:
		failure = fmt.Errorf("http server: %w", err)
	case err := <-runErr:
		failure = fmt.Errorf("agent supervisor: %w", err)
		runErr <- nil
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("agent supervisor stopped with error", "error", err)
	}
	if err := queue.Drain(); err != nil {
		log.Warn("nats drain", "error", err)
	}
	return failure
}

// openStore connects the configured document-store backend. The returned
// close function releases the connection it owns.
func openStore(ctx context.Context, cfg *config.Config, queue *nats.Queue, migrate bool) (statestore.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if migrate {
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrations: %w", err)
			}
			slog.Info("migrations applied")
		}
		return postgres.NewStateStore(pool, cfg.Store.ProjectID), pool.Close, nil
	case "nats":
		s, err := natskv.OpenStateStore(ctx, queue.JetStream(), cfg.Store.Bucket, cfg.Store.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("nats kv store: %w", err)
		}
		return s, func() {}, nil
	default:
		return memory.NewStateStore(), func() {}, nil
	}
}

// bootstrapAgents registers the agents declared in configuration. A record
// that cannot be adopted is logged and skipped.
func bootstrapAgents(ctx context.Context, agents *service.AgentService, cfg *config.Config, log *slog.Logger) {
	for _, spec := range cfg.Agents.Bootstrap {
		opts := []agent.BaseOption{
			agent.WithConfig(spec.Config),
			agent.WithStore(cfg.Store.ProjectID, cfg.Store.CredentialsPath),
		}
		if spec.ID != "" {
			opts = append(opts, agent.WithID(spec.ID))
		}
		a := agent.NewBase(spec.Type, opts...)
		if _, err := agents.Register(ctx, a); err != nil {
			log.Error("bootstrap agent skipped", "agent_id", a.ID(), "agent_type", a.Type(), "error", err)
		}
	}
}
