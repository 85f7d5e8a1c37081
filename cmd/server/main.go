package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/Korniev/SportHub/internal/app"
	brokermem "github.com/Korniev/SportHub/internal/broker/memory"
	brokerredis "github.com/Korniev/SportHub/internal/broker/redis"
	"github.com/Korniev/SportHub/internal/config"
	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/hub"
	"github.com/Korniev/SportHub/internal/ingest"
	"github.com/Korniev/SportHub/internal/logging"
	"github.com/Korniev/SportHub/internal/metrics"
	"github.com/Korniev/SportHub/internal/reconcile"
	"github.com/Korniev/SportHub/internal/sequencer"
	"github.com/Korniev/SportHub/internal/server"
	storemem "github.com/Korniev/SportHub/internal/store/memory"
	storepg "github.com/Korniev/SportHub/internal/store/postgres"
)

// version and commit are set at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

type eventStore interface {
	domain.EventStore
	Close()
}

// memoryStore adapts the in-memory store to the closable interface.
type memoryStore struct{ *storemem.Store }

func (memoryStore) Close() {}

func setupConfig() *config.Config {
	// Use log before slog is initialized
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupStore(cfg *config.Config) eventStore {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, using in-memory event store")
		return memoryStore{storemem.NewStore()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := storepg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := store.RunMigrations(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return store
}

func setupBroker(cfg *config.Config) (domain.Broker, func()) {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, using in-process broker")
		b := brokermem.NewBroker()
		return b, b.Close
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := brokerredis.NewBroker(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return b, func() { _ = b.Close() }
}

func runGracefulShutdown(srv *server.Server, h *hub.Hub, appSvc *app.Service, closeBroker func(), store eventStore) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Stop taking new work first, then drain delivery, then drop
		// the backbone and the store.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		h.Stop()
		appSvc.Stop()
		closeBroker()
		store.Close()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version)
	metrics.BuildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)

	store := setupStore(cfg)
	broker, closeBroker := setupBroker(cfg)

	seq := sequencer.New(store, broker)
	reconciler := reconcile.NewService(store, reconcile.Options{
		Timeout:  cfg.ReconcileTimeout,
		Attempts: cfg.ReconcileAttempts,
		Clock:    clock,
	})

	appSvc := app.NewService(ingest.NewNormalizer(clock), seq, broker, clock, cfg.BrokerRetryBackoff)
	h := hub.New(reconciler, appSvc.OnMatchActive, appSvc.OnMatchIdle, clock, cfg.MaxClientsPerMatch)
	appSvc.AttachDispatcher(h)

	healthChecks := []server.HealthCheck{
		{Name: "store", Critical: true, Check: store.HealthCheck},
		{Name: "broker", Check: broker.HealthCheck},
	}

	srv := server.NewServer(cfg, appSvc, reconciler, h, healthChecks)

	done := runGracefulShutdown(srv, h, appSvc, closeBroker, store)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
