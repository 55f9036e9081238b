package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/boscod/punchsync/config"
	"github.com/boscod/punchsync/internal/database"
	"github.com/boscod/punchsync/internal/handlers"
	applogger "github.com/boscod/punchsync/internal/logger"
	"github.com/boscod/punchsync/internal/middleware"
	"github.com/boscod/punchsync/internal/rabbitmq"
	"github.com/boscod/punchsync/internal/repository"
	"github.com/boscod/punchsync/internal/routes"
	"github.com/boscod/punchsync/internal/services"
	"github.com/boscod/punchsync/internal/soap"
	"github.com/boscod/punchsync/internal/tasks"
	workers "github.com/boscod/punchsync/internal/worker"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog := applogger.Initialize(cfg.IsProduction(), cfg.LogLevel)
	defer zlog.Sync()

	strategy, err := services.ParseDedupStrategy(cfg.SyncStrategy)
	if err != nil {
		zlog.Fatal("Invalid SYNC_STRATEGY", zap.Error(err))
	}

	// Connect to database
	db, err := database.Connect(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		zlog.Fatal("Failed to migrate database", zap.Error(err))
	}
	zlog.Info("Connected to database successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	store := repository.NewBunStore(db)
	location := cfg.DeviceLocation()
	jwtService := services.NewJWTService(cfg.JWTSecret, 168) // 7 days
	cryptoService := services.NewCryptoService(cfg.AppSecret)
	deviceService := services.NewDeviceService(store, cryptoService, cfg.PingTimeout, zlog)
	soapClient := soap.NewClient(soap.Options{
		ConnectTimeout: cfg.SOAPConnectTimeout,
		RequestTimeout: cfg.SOAPRequestTimeout,
		Location:       location,
	}, zlog)
	recorder := services.NewPunchRecorder(store, services.RecorderOptions{
		Strategy:  strategy,
		ChunkSize: cfg.SyncChunkSize,
	}, zlog)
	orchestrator := services.NewSyncOrchestrator(deviceService, soapClient, recorder, services.SyncOptions{
		Lookback: cfg.SyncLookback,
		Overlap:  cfg.SyncOverlap,
		Location: location,
	}, zlog)
	processor := workers.NewSyncJobProcessor(store, deviceService, orchestrator, cfg.SyncJobTimeout, zlog)

	healthChecks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
	}

	// Setup the job queue. Without a broker every sync runs inline.
	var queued services.SyncRunner
	switch cfg.QueueBackend {
	case config.QueueBackendRabbitMQ:
		if err := rabbitmq.SetupRabbitMQ(cfg.RabbitMQURL, zlog); err != nil {
			zlog.Error("Failed to connect to RabbitMQ, syncs will run inline", zap.Error(err))
			break
		}
		defer rabbitmq.Close()

		queued = services.NewQueuedRunner(store, rabbitmq.NewPublisher(rabbitmq.Client), cfg.SyncJobMaxAttempts, zlog)
		consumer := workers.NewSyncConsumer(rabbitmq.Client, processor, cfg.SyncRetryDelay, zlog)
		go func() {
			if err := consumer.StartWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zlog.Error("Sync worker stopped", zap.Error(err))
			}
		}()
		healthChecks["queue"] = func(context.Context) error {
			if rabbitmq.Client.Channel() == nil {
				return errors.New("rabbitmq disconnected")
			}
			return nil
		}

	case config.QueueBackendAsynq:
		redisOpts := tasks.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		client := asynq.NewClient(redisOpts.Asynq())
		defer client.Close()

		queued = services.NewQueuedRunner(store, tasks.NewEnqueuer(client, cfg.SyncJobMaxAttempts, cfg.SyncJobTimeout), cfg.SyncJobMaxAttempts, zlog)
		asynqWorker := workers.NewAsynqWorker(redisOpts, processor, 0, cfg.SyncRetryDelay, zlog)
		asynqWorker.Start()
		defer asynqWorker.Shutdown()

		monitor := tasks.NewRedisMonitor(redisOpts, 0, zlog)
		go monitor.Run(ctx)
		healthChecks["queue"] = func(context.Context) error {
			if !monitor.Healthy() {
				return errors.New("redis unreachable")
			}
			return nil
		}

	default:
		zlog.Info("No queue backend configured, syncs run inline")
	}

	syncService := services.NewSyncService(deviceService, services.NewInlineRunner(orchestrator), queued, store, zlog)

	go workers.NewAutoSync(deviceService, syncService, cfg.AutoSyncInterval, zlog).Run(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:       "PunchSync API",
		CaseSensitive: true,
		StrictRouting: false,
		ServerHeader:  "PunchSync",
		ErrorHandler:  customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			zlog.Error("Panic recovered",
				zap.Any("panic", e),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.ByteString("stack", debug.Stack()))
		},
	}))
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} - ${method} ${path} (${latency})\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	app.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	// Setup routes
	routes.SetupRoutes(app, routes.Dependencies{
		JWT:           jwtService,
		Devices:       deviceService,
		Syncs:         syncService,
		PunchLogs:     services.NewPunchLogService(deviceService, store),
		Location:      location,
		SyncRateLimit: cfg.SyncRateLimit,
		HealthChecks:  healthChecks,
		Logger:        zlog,
	})

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		zlog.Info("Shutting down server...")
		cancel()
		if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
			zlog.Error("Error shutting down", zap.Error(err))
		}
	}()

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	zlog.Info("Starting server",
		zap.String("addr", addr),
		zap.String("env", cfg.Env),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("dedup_strategy", string(recorder.Strategy())),
		zap.String("device_timezone", location.String()),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))

	if err := app.Listen(addr); err != nil {
		zlog.Fatal("Failed to start server", zap.Error(err))
	}
}

func customErrorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   "Error",
		"message": err.Error(),
	})
}
