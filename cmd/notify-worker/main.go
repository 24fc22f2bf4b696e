package main

import (
	"context"
	"errors"
	"flag"
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
	"github.com/redis/go-redis/v9"
	"github.com/yurilozorio/rah-sub001/internal/config"
	"github.com/yurilozorio/rah-sub001/internal/dedupe"
	"github.com/yurilozorio/rah-sub001/internal/jobs"
	"github.com/yurilozorio/rah-sub001/internal/metrics"
	opshandler "github.com/yurilozorio/rah-sub001/internal/opsapi/handler"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/router"
	"github.com/yurilozorio/rah-sub001/internal/session"
	"github.com/yurilozorio/rah-sub001/internal/session/whatsapp"
	"github.com/yurilozorio/rah-sub001/internal/settings"
	"github.com/yurilozorio/rah-sub001/internal/worker"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
	"github.com/yurilozorio/rah-sub001/internal/worker/handler"
	"github.com/yurilozorio/rah-sub001/internal/worker/storage"
	"github.com/yurilozorio/rah-sub001/shared/logger"
	"github.com/yurilozorio/rah-sub001/shared/postgresql"
	"github.com/yurilozorio/rah-sub001/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("NOTIFY_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/notify-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	location, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("failed to load timezone: %w", err)
	}

	appLogger.Info("Starting notification worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("timezone", location.String()),
	)

	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	var guard *dedupe.Guard
	if cfg.GuardEnabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		guard = dedupe.NewGuard(redisClient, dedupe.Config{
			Prefix:    cfg.Redis.Prefix,
			MarkerTTL: cfg.Redis.MarkerTTL,
			LockTTL:   cfg.Redis.LockTTL,
		}, appLogger.Logger)

		if err := guard.HealthCheck(ctx); err != nil {
			appLogger.Warn("Delivery guard unreachable, continuing",
				slog.String("address", cfg.Redis.Address),
				slog.String("error", err.Error()),
			)
		} else {
			appLogger.Info("Delivery guard connected", slog.String("address", cfg.Redis.Address))
		}
	}

	settingsCache := settings.NewCache(settings.Config{
		BaseURL: cfg.Settings.BaseURL,
		Token:   cfg.Settings.Token,
		TTL:     cfg.Settings.CacheTTL,
		Timeout: cfg.Settings.Timeout,
	}, appLogger.Logger)

	transport, err := whatsapp.New(ctx, whatsapp.Config{
		StoreDir:      cfg.Session.StoreDir,
		DefaultRegion: cfg.Session.DefaultRegion,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open messaging transport: %w", err)
	}
	defer transport.Close()

	sessionManager := session.NewManager(session.Config{
		StoreDir:       cfg.Session.StoreDir,
		ReconnectDelay: cfg.Session.ReconnectDelay,
		SendRate:       cfg.Session.SendRate,
		SendBurst:      cfg.Session.SendBurst,
	}, transport, appLogger.Logger)
	if err := sessionManager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	defer sessionManager.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	producer := jobs.NewProducer(rabbitClient, appLogger.Logger)

	deps := handler.Deps{
		Store:    store,
		Settings: settingsCache,
		Sender:   sessionManager,
		Location: location,
		Logger:   appLogger.Logger,
	}
	workerCfg := &worker.Config{
		Logger:      appLogger.Logger,
		Broker:      rabbitClient,
		Retrier:     producer,
		WorkerID:    cfg.Worker.ID,
		JobTimeout:  cfg.Worker.JobTimeout,
		MaxAttempts: cfg.Worker.MaxAttempts,
		RetryPolicy: worker.RetryPolicy{
			InitialDelay:  cfg.Worker.Retry.InitialDelay,
			MaxDelay:      cfg.Worker.Retry.MaxDelay,
			BackoffFactor: cfg.Worker.Retry.BackoffFactor,
		},
	}
	opsDeps := &opshandler.Dependencies{
		Logger:  appLogger.Logger,
		Service: cfg.App.Name,
		Session: sessionManager,
		Events:  store,
		Jobs:    producer,
		Queue:   rabbitClient,
		DB:      dbClient,
	}
	if guard != nil {
		deps.Guard = guard
		workerCfg.Locker = guard
		opsDeps.Guard = guard
	}
	workerCfg.Handlers = []worker.Handler{
		handler.NewReminder(deps),
		handler.NewSendMessage(deps),
	}

	workerInstance := worker.NewWorker(workerCfg)

	errChan := make(chan error, 2)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- fmt.Errorf("worker: %w", err)
		}
	}()

	var srv *http.Server
	if !cfg.Ops.Disabled {
		srv = initOpsServer(cfg, opsDeps)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("ops server: %w", err)
			}
		}()
		appLogger.Info("Ops server listening", slog.String("address", srv.Addr))
	}

	appLogger.Info("Notification worker started",
		slog.Any("kinds", domain.JobKinds),
		slog.String("session_state", string(sessionManager.State())),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Notification worker failed, shutting down",
			slog.String("error", runErr.Error()),
		)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if srv != nil {
		opsCtx, opsCancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
		defer opsCancel()
		if err := srv.Shutdown(opsCtx); err != nil {
			appLogger.Warn("Ops server forced to shutdown", slog.String("error", err.Error()))
		}
	}

	appLogger.Info("Notification worker shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		URL:             cfg.URL,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: "notify-worker",
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client and declares the job topology
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		URL:                cfg.URL,
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		Exchange:           cfg.Exchange,
		DeadLetterExchange: cfg.DeadLetterExchange,
		QueuePrefix:        cfg.QueuePrefix,
		Kinds:              domain.JobKinds,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initOpsServer builds the operations HTTP server
func initOpsServer(cfg *config.Config, deps *opshandler.Dependencies) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:      router.SetupRouter(deps),
		ReadTimeout:  cfg.Ops.ReadTimeout,
		WriteTimeout: cfg.Ops.WriteTimeout,
		IdleTimeout:  cfg.Ops.IdleTimeout,
	}
}
