package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ledger/internal/common/config"
	"ledger/internal/common/logging"
	"ledger/internal/common/metrics"
	"ledger/internal/common/types"
	ledgerapi "ledger/internal/ledger/api"
	"ledger/internal/ledger/domain"
	"ledger/internal/ledger/engine"
	"ledger/internal/ledger/infrastructure/memory"
	"ledger/internal/ledger/infrastructure/postgres"
	"ledger/internal/ledger/outbox"
	"ledger/internal/ledger/transport"
)

// requestTimeout is the maximum time allowed for processing a single request.
const requestTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "serve":
		runServe(cfg)
	case "publisher":
		runPublisher(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode %q, expected \"serve\" or \"publisher\"\n", mode)
		os.Exit(1)
	}
}

// newStore builds the Postgres-backed store in any non-development
// environment and the in-memory store in development, whether or not a
// database is configured. The engine and publisher are identical
// either way; only this constructor knows which backend is live.
func newStore(ctx context.Context, cfg *config.Config) (domain.Store, func(), error) {
	if cfg.IsDevelopment() {
		logging.Info("using in-memory store", "environment", cfg.Environment)
		return memory.NewStore(), func() {}, nil
	}

	pool, err := cfg.NewPostgresPool(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	go reportPoolStats(pool)
	return postgres.NewStore(pool), pool.Close, nil
}

// reportPoolStats refreshes the connection-pool gauges for the life of
// the process.
func reportPoolStats(pool *pgxpool.Pool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stat := pool.Stat()
		metrics.DBPoolConnectionsInUse.Set(float64(stat.AcquiredConns()))
		metrics.DBPoolConnectionsIdle.Set(float64(stat.IdleConns()))
	}
}

func newBus(cfg *config.Config) (transport.EventBus, error) {
	if cfg.IsDevelopment() {
		logging.Info("using in-memory event bus", "environment", cfg.Environment)
		return transport.NewMemoryBus(), nil
	}
	return transport.NewKafkaBus(cfg.KafkaBrokers)
}

// runServe starts the HTTP façade in front of the transfer engine.
func runServe(cfg *config.Config) {
	startupCtx := logging.WithCorrelationID(context.Background(), types.NewCorrelationID())

	store, closeStore, err := newStore(startupCtx, cfg)
	if err != nil {
		logging.ErrorContext(startupCtx, "failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	eng := engine.New(store, cfg.TransactionsTopic).WithOutboxMaxRetries(cfg.RetryMaxRetries)
	handler := ledgerapi.NewHandler(eng)

	bus, err := newBus(cfg)
	if err != nil {
		logging.ErrorContext(startupCtx, "failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(cfg, store, bus))
	mux.Handle("GET /metrics", metrics.Handler())
	handler.RegisterRoutes(mux)

	logging.InfoContext(startupCtx, "ledger transfer API initialized",
		"port", cfg.Port, "environment", cfg.Environment)

	httpHandler := metrics.Middleware(correlationMiddleware(mux))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown()

	logging.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logging.Info("server stopped")
}

// runPublisher starts the outbox publisher as a standalone process,
// deployed independently of the HTTP API so publish throughput scales on
// its own.
func runPublisher(cfg *config.Config) {
	startupCtx := logging.WithCorrelationID(context.Background(), types.NewCorrelationID())

	store, closeStore, err := newStore(startupCtx, cfg)
	if err != nil {
		logging.ErrorContext(startupCtx, "failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	bus, err := newBus(cfg)
	if err != nil {
		logging.ErrorContext(startupCtx, "failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	pubCfg := outbox.Config{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		PublishTimeout: cfg.PublishTimeout,
		ClaimLease:     cfg.ClaimLease,
		Retry: outbox.RetryPolicy{
			InitialInterval: cfg.RetryInitialDelay,
			Multiplier:      cfg.RetryMultiplier,
			Jitter:          cfg.RetryJitter,
			MaxDelay:        cfg.RetryMaxDelay,
			MaxRetries:      cfg.RetryMaxRetries,
		},
	}

	logging.InfoContext(startupCtx, "outbox publisher starting",
		"poll_interval", pubCfg.PollInterval, "batch_size", pubCfg.BatchSize, "workers", cfg.PublisherWorkers)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitForShutdown()
		logging.Info("shutting down publisher")
		cancel()
	}()

	workers := cfg.PublisherWorkers
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		// Each worker carries its own jitter source: rand.Rand is not safe
		// for concurrent use.
		workerCfg := pubCfg
		workerCfg.Retry.Rand = rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		go func(workerCfg outbox.Config) {
			defer wg.Done()
			outbox.New(store, bus, workerCfg).Run(ctx)
		}(workerCfg)
	}
	wg.Wait()
	logging.Info("publisher stopped")
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// correlationMiddleware adds a correlation ID and a per-request deadline.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := types.CorrelationID(r.Header.Get("X-Correlation-ID"))
		if corrID.IsEmpty() {
			corrID = types.NewCorrelationID()
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		ctx = logging.WithCorrelationID(ctx, corrID)

		w.Header().Set("X-Correlation-ID", corrID.String())

		logging.InfoContext(ctx, "HTTP request", "method", r.Method, "path", r.URL.Path)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// readyHandler checks the store connection and, best-effort, the bus
// connection. The store failing is a hard 503; the bus failing is
// reported but does not fail readiness, since the HTTP tier can still
// accept transfers while the publisher tier is degraded.
func readyHandler(cfg *config.Config, store domain.Store, bus transport.EventBus) http.HandlerFunc {
	const pingTimeout = 2 * time.Second
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "not_ready", "store": "unreachable"})
			return
		}

		busStatus := "reachable"
		if err := bus.Ping(ctx, pingTimeout); err != nil {
			busStatus = "unreachable"
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ready",
			"environment": cfg.Environment,
			"bus":         busStatus,
		})
	}
}
