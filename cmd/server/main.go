package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"crawlfleet/internal/adapters/eventbus"
	http_handler "crawlfleet/internal/adapters/handler/http"
	"crawlfleet/internal/adapters/handler/mqtt"
	redis_adapter "crawlfleet/internal/adapters/redis"
	"crawlfleet/internal/adapters/repository/memory"
	"crawlfleet/internal/adapters/repository/pg"
	"crawlfleet/internal/config"
	"crawlfleet/internal/core/logger"
	"crawlfleet/internal/core/ports"
	"crawlfleet/internal/core/services"
	"crawlfleet/internal/core/tracing"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting crawlfleet coordinator", "version", version, "server_id", cfg.ServerID, "store", cfg.StoreBackend)

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	if err := run(cfg); err != nil {
		logger.Error("Coordinator exited with error", "error", err)
		log.Fatalf("coordinator: %v", err)
	}
	logger.Info("Coordinator shut down cleanly")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := redis_adapter.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client
	}

	store, db, err := openStore(cfg, redisClient)
	if err != nil {
		return err
	}

	var events ports.EventPublisher
	var archive *redis_adapter.FailedJobArchive
	if redisClient != nil {
		events = redis_adapter.NewEventBus(redisClient)
		archive = redis_adapter.NewFailedJobArchive(redisClient)
	} else {
		bus := eventbus.New()
		defer bus.Close()
		events = bus
	}

	persister := services.NewPersister(store)
	agents := http_handler.NewAgentHub()

	opts := []services.Option{
		services.WithPersister(persister),
		services.WithEventPublisher(events),
	}
	if archive != nil {
		opts = append(opts, services.WithFailedJobArchive(archive))
	}
	coordinator, err := services.NewCoordinator(ctx, services.CoordinatorConfig{
		ServerID:         cfg.ServerID,
		Fanout:           cfg.Fanout,
		MaxJobsPerAgent:  cfg.MaxJobsPerAgent,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
		JobRetention:     cfg.JobRetention,
		AgentRetention:   cfg.AgentRetention,
	}, store, agents, opts...)
	if err != nil {
		return err
	}
	agents.Bind(coordinator)

	hub := http_handler.NewHub(events)
	healthService := services.NewHealthService(coordinator, db, redisClient, version)

	serverOpts := []http_handler.ServerOption{
		http_handler.WithSearch(cfg.SearchTimeout, cfg.SearchPollInterval),
		http_handler.WithMetrics(cfg.EnableMetrics),
	}
	if archive != nil {
		serverOpts = append(serverOpts, http_handler.WithFailedJobs(archive))
	}
	api := http_handler.NewServer(coordinator, healthService, hub, agents, serverOpts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The persister outlives the coordinator so the final snapshot is saved.
	persistCtx, stopPersister := context.WithCancel(context.Background())
	persisterDone := make(chan struct{})
	go func() {
		defer close(persisterDone)
		persister.Run(persistCtx)
	}()
	defer func() {
		stopPersister()
		<-persisterDone
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.EventConsumer(gctx)
		return nil
	})

	if cfg.MQTTBroker != "" {
		publisher, err := mqtt.NewPublisher(events, cfg.MQTTBroker, cfg.MQTTPrefix, cfg.ServerID)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			defer publisher.Close()
			publisher.Start(gctx)
			logger.Info("MQTT Publisher started", "broker", cfg.MQTTBroker)
		}
	}

	g.Go(func() error {
		logger.Info("HTTP Server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks the snapshot backend. The gorm handle is returned for
// health checks when Postgres is in use.
func openStore(cfg *config.Config, redisClient *redis.Client) (ports.SnapshotStore, *gorm.DB, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		repo, err := pg.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.DB(), nil
	case config.StoreRedis:
		return redis_adapter.NewSnapshotStore(redisClient), nil, nil
	default:
		logger.Warn("Using in-memory snapshot store; state is lost on restart")
		return memory.NewStore(), nil, nil
	}
}
