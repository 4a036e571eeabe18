package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/fanout/internal/adapter/httpserver"
	"github.com/pscheid92/fanout/internal/adapter/inmem"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/adapter/postgres"
	"github.com/pscheid92/fanout/internal/adapter/redis"
	"github.com/pscheid92/fanout/internal/app"
	"github.com/pscheid92/fanout/internal/broadcast"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/pscheid92/fanout/internal/fanout"
	"github.com/pscheid92/fanout/internal/platform/config"
	"github.com/pscheid92/fanout/internal/platform/logging"
	"github.com/pscheid92/fanout/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *goredis.Client {
	redisMetrics := metrics.NewRedisMetrics(reg)
	client, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(redisMetrics),
		redis.NewCircuitBreakerHook(redisMetrics, 0),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupDB(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *pgxpool.Pool {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.NewMetricsTracer(metrics.NewDatabaseMetrics(reg)))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool
}

// runSubscriber keeps the fan-out subscription alive until ctx ends, resubscribing with backoff
// whenever the broker drops it.
func runSubscriber(ctx context.Context, sub *fanout.Subscriber) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	op := func() error {
		err := sub.Start(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("Fan-out subscription lost, resubscribing", "error", err, "backoff", next)
	}

	_ = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func runGracefulShutdown(srv *httpserver.Server, registry *broadcast.Registry, stop context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Completing the streams first lets the server drain its long-lived handlers.
		registry.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stop()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "instance", cfg.InstanceID, "version", version.Get().Version)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	reg := metrics.NewRegistry(cfg.InstanceID)
	streamMetrics := metrics.NewStreamMetrics(reg)
	fanoutMetrics := metrics.NewFanoutMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)

	startupCtx, cancelStartup := context.WithTimeout(ctx, startupTimeout)
	defer cancelStartup()

	registry := broadcast.NewRegistry(
		broadcast.WithClock(clock),
		broadcast.WithHeartbeatInterval(cfg.HeartbeatInterval),
		broadcast.WithWriteTimeout(cfg.StreamWriteTimeout),
		broadcast.WithMetrics(streamMetrics),
		broadcast.WithLogger(logging.Component("registry")),
	)

	var (
		broker       domain.Broker
		healthChecks []httpserver.HealthCheck
		serverOpts   []httpserver.Option
	)
	if cfg.RedisURL != "" {
		redisClient := setupRedis(startupCtx, cfg, reg)
		defer func() { _ = redisClient.Close() }()

		broker = redis.NewBroker(redisClient)
		instances := redis.NewInstanceRegistry(redisClient, cfg.InstanceID, cfg.InstanceHeartbeat, version.Get().Version, registry, clock)
		go instances.Start(ctx)

		serverOpts = append(serverOpts, httpserver.WithInstances(instances))
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	} else {
		slog.Warn("REDIS_URL not set, using in-process broker; notifications stay on this instance")
		memBroker := inmem.NewBroker()
		defer func() { _ = memBroker.Close() }()
		broker = memBroker
	}

	var tasks domain.TaskRepository
	if cfg.DatabaseURL != "" {
		pool := setupDB(startupCtx, cfg, reg)
		defer pool.Close()

		tasks = postgres.NewTaskRepo(pool)
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	} else {
		slog.Warn("DATABASE_URL not set, tasks are kept in memory")
		tasks = inmem.NewTaskRepository(clock)
	}
	cancelStartup()

	subscriber := fanout.NewSubscriber(broker, cfg.BrokerChannel, registry, fanoutMetrics)
	go runSubscriber(ctx, subscriber)
	healthChecks = append(healthChecks, httpserver.HealthCheck{
		Name: "broker_subscription",
		Check: func(context.Context) error {
			if !subscriber.Active() {
				return errors.New("fan-out subscription is not active")
			}
			return nil
		},
	})

	go registry.Run(ctx)

	publisher := fanout.NewPublisher(broker, cfg.BrokerChannel, fanout.WithPublisherMetrics(fanoutMetrics))
	taskService := app.NewTaskService(tasks, publisher)

	serverOpts = append(serverOpts,
		httpserver.WithClock(clock),
		httpserver.WithHealthChecks(healthChecks...),
		httpserver.WithMetrics(httpMetrics, streamMetrics, metrics.Handler(reg)),
	)
	srv := httpserver.NewServer(cfg, taskService, registry, serverOpts...)

	done := runGracefulShutdown(srv, registry, stop)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
