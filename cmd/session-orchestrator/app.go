package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/activity"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/archive"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/cleanup"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/clock"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/config"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/db"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/kafka"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/lock"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/logger"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/metrics"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/ports"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/rabbitmq"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/registry"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/service"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/toolserver"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/websocket"
)

const eventPublishTimeout = 5 * time.Second

// app holds every long-lived component of one orchestrator process.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Collector

	db        *gorm.DB
	registry  *registry.Registry
	activity  *activity.Manager
	processor *cleanup.Processor
	sweeper   *cleanup.Sweeper
	hub       *websocket.Hub
	events    *events.Broadcaster
	sessions  *service.SessionService

	closers []func() error
}

func loadBase() (*config.Config, zerolog.Logger) {
	cfg := config.LoadConfig()
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat)
}

func connectDB(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.DatabaseURL, cfg.DatabaseSchema)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Running migrations...")
	if err := db.Migrate(gormDB); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info().Msg("Migrations completed.")
	return gormDB, nil
}

func newRuntime(cfg *config.Config, log zerolog.Logger) (provisioner.Runtime, error) {
	switch cfg.ContainerRuntime {
	case "docker":
		return provisioner.NewDockerRuntime(provisioner.DockerOptions{
			WorkspaceImage:    cfg.WorkspaceImage,
			PullImages:        cfg.PullImages,
			ContainerDevPort:  cfg.ContainerDevPort,
			ContainerToolPort: cfg.ContainerToolPort,
		}, log)
	case "kubernetes", "k8s":
		return provisioner.NewKubernetesRuntime(provisioner.KubernetesOptions{
			WorkspaceImage:    cfg.WorkspaceImage,
			KubeconfigPath:    cfg.KubeconfigPath,
			Namespace:         cfg.KubeNamespace,
			PullImages:        cfg.PullImages,
			ContainerDevPort:  cfg.ContainerDevPort,
			ContainerToolPort: cfg.ContainerToolPort,
		}, log)
	default:
		return nil, fmt.Errorf("%w: %q", provisioner.ErrUnknownRuntime, cfg.ContainerRuntime)
	}
}

// buildApp wires the orchestrator. Redis, RabbitMQ and Kafka are optional:
// an empty address falls back to process-local state or drops that sink.
func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.NewCollector(log, ""),
	}

	gormDB, err := connectDB(cfg, log)
	if err != nil {
		return nil, err
	}
	a.db = gormDB

	runtime, err := newRuntime(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container runtime: %w", err)
	}

	var (
		store  registry.Store = registry.NewInMemoryStore()
		locker lock.Locker    = lock.NewLocalLocker()
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		store = registry.NewRedisStore(rdb)
		locker = lock.NewRedisLocker(rdb, cfg.CreateLockTTL, log)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using redis for registry and locks")
	} else {
		log.Warn().Msg("REDIS_ADDR is empty; registry and locks are local to this process")
	}

	sessionRepo := repository.NewSessionRepository(gormDB)
	workspaceRepo := repository.NewWorkspaceRepository(gormDB)
	archives := archive.NewStore(gormDB, log)
	tools := toolserver.NewClient(cfg.HealthCheckTimeout, log)

	a.registry = registry.New(store, sessionRepo, runtime, tools, a.metrics,
		registry.DefaultOptions(cfg.RuntimeHost, cfg.HealthCheckInterval), log)

	a.activity = activity.NewManager(sessionRepo, activity.Options{
		GracePeriod:         cfg.GracePeriod,
		ActiveToIdle:        cfg.ActiveToIdle,
		IdleToBackground:    cfg.IdleToBackground,
		BackgroundToCleanup: cfg.BackgroundToCleanup,
	}, clock.Real(), a.metrics, log)

	a.processor = cleanup.NewProcessor(sessionRepo, workspaceRepo, archives, a.registry, runtime, a.metrics, log)
	a.processor.SetStaleAfter(cfg.StaleSessionThreshold)
	a.processor.SetActivity(a.activity)
	a.activity.SetCleanup(a.processor.CleanupSession)
	a.registry.SetEvictionHandler(a.processor.HandleEviction)
	a.sweeper = cleanup.NewSweeper(a.processor, cfg.OrphanSweepInterval, log)

	a.hub = websocket.NewHub(a.activity, log)
	a.events = events.NewBroadcaster(eventPublishTimeout, a.metrics, log, a.hub)
	if cfg.RabbitMQURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.events.AddSink(pub)
	}
	if cfg.KafkaBrokerURL != "" {
		if err := kafka.EnsureTopic(cfg.KafkaBrokerURL, cfg.KafkaTopicSessions); err != nil {
			log.Warn().Err(err).Str("topic", cfg.KafkaTopicSessions).Msg("Could not ensure kafka topic")
		}
		producer := kafka.NewProducer(cfg.KafkaBrokerURL, cfg.KafkaTopicSessions, log)
		a.closers = append(a.closers, producer.Close)
		a.events.AddSink(producer)
	}
	a.processor.SetEvents(a.events)

	a.sessions = service.NewSessionService(service.Deps{
		Sessions:   sessionRepo,
		Workspaces: workspaceRepo,
		Archives:   archives,
		Ports:      ports.NewAllocator(sessionRepo, log),
		Runtime:    runtime,
		Registry:   a.registry,
		Activity:   a.activity,
		Cleanup:    a.processor,
		Tools:      tools,
		Locker:     locker,
		Events:     a.events,
		Metrics:    a.metrics,
	}, service.OptionsFromConfig(cfg), log)

	return a, nil
}

// Close waits for detached work and releases external connections.
func (a *app) Close() {
	if a.sessions != nil {
		a.sessions.Wait()
	}
	a.events.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Error during shutdown")
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
