package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/relaylabs/async-sidecar/internal/config"
	"github.com/relaylabs/async-sidecar/internal/events"
	"github.com/relaylabs/async-sidecar/internal/facade"
	"github.com/relaylabs/async-sidecar/internal/httpapi"
	"github.com/relaylabs/async-sidecar/internal/metrics"
	"github.com/relaylabs/async-sidecar/internal/persistence"
	"github.com/relaylabs/async-sidecar/internal/queue"
	"github.com/relaylabs/async-sidecar/internal/replay"
	"github.com/relaylabs/async-sidecar/internal/traffic"
	"github.com/relaylabs/async-sidecar/internal/upstream"
	"github.com/relaylabs/async-sidecar/shared/logger"
	"github.com/relaylabs/async-sidecar/shared/postgresql"
	"github.com/relaylabs/async-sidecar/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("starting async sidecar",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, historyStore, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if dbClient != nil {
		appLogger.Info("database connection established")
		if err := historyStore.EnsureSchema(context.Background()); err != nil {
			appLogger.Warn("failed to ensure replay history schema", slog.Any("error", err))
		}
	}

	rabbitClient, publisher, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		appLogger.Warn("RabbitMQ unavailable, continuing without job.final fanout", slog.Any("error", err))
	}
	if rabbitClient != nil {
		appLogger.Info("RabbitMQ connection established")
	}

	upstreamClient := upstream.NewClient(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout,
	}, appLogger.Logger)

	queueCfg := queue.Config{
		MaxInFlight:   cfg.Queue.MaxInFlight,
		MaxQueueDepth: cfg.Queue.MaxQueueDepth,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Queue.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Queue.Retry.MaxDelayMs) * time.Millisecond,
		},
		Cooldown: queue.CooldownDurations{
			AuthRequired: time.Duration(cfg.Queue.Cooldown.AuthRequiredMs) * time.Millisecond,
			Challenge:    time.Duration(cfg.Queue.Cooldown.ChallengeMs) * time.Millisecond,
			RateLimited:  time.Duration(cfg.Queue.Cooldown.RateLimitedMs) * time.Millisecond,
			Degraded:     time.Duration(cfg.Queue.Cooldown.DegradedMs) * time.Millisecond,
		},
	}

	queueManager := queue.New(queueCfg, upstreamClient, metrics.NewStore(metrics.DefaultSampleCap), appLogger.Logger)
	if publisher != nil {
		queueManager.OnFinal(publisher.PublishFinal)
	}

	replayStore := replay.NewStore(cfg.ReplayReportsDir)
	harness := replay.NewHarness(queueManager, replayStore)

	var history facade.HistoryRecorder
	if historyStore != nil {
		history = historyStore
	}
	f := facade.New(queueManager, upstreamClient, harness, history)

	trafficLog := traffic.NewLog(cfg.TrafficLogSize)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := httpapi.SetupRouter(httpapi.Dependencies{
		Facade:  f,
		History: historyStore,
		Traffic: trafficLog,
		Logger:  appLogger.Logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("server failed to start", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	appLogger.Info("async sidecar is running", slog.String("address", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		if publisher != nil {
			publisher.Close()
		}
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("server shutdown complete")
	return nil
}

func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL connects to Postgres and wraps it in a replay history
// store when DB_HOST is set; both return values are nil when it isn't,
// and every downstream caller treats that as "history disabled".
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, *persistence.HistoryStore, error) {
	if cfg.Host == "" {
		return nil, nil, nil
	}

	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return client, persistence.NewHistoryStore(client), nil
}

// initRabbitMQ connects to RabbitMQ and wraps it in a job.final publisher
// when RABBITMQ_HOST is set; both return values are nil when it isn't.
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, *events.Publisher, error) {
	if cfg.Host == "" {
		return nil, nil, nil
	}

	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.ExchangeName,
		ExchangeType:       cfg.ExchangeType,
		ExchangeDurable:    true,
		ExchangeAutoDelete: false,
		QueueName:          "async_sidecar.job_final",
		QueueDurable:       true,
		QueueAutoDelete:    false,
		QueueExclusive:     false,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.RetryAttempts,
		RetryInterval:      cfg.RetryInterval,
		Heartbeat:          cfg.Heartbeat,
		ConnectionTimeout:  cfg.ConnectionTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return client, events.NewPublisher(client, logger), nil
}
