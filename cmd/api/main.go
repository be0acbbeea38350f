package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Dtcsrni/omr-review/internal/config"
	"github.com/Dtcsrni/omr-review/internal/database"
	"github.com/Dtcsrni/omr-review/internal/handler"
	"github.com/Dtcsrni/omr-review/internal/middleware"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
	"github.com/Dtcsrni/omr-review/internal/omr/review"
	"github.com/Dtcsrni/omr-review/internal/repository"
	"github.com/Dtcsrni/omr-review/internal/router"
	"github.com/Dtcsrni/omr-review/internal/service"
	"github.com/Dtcsrni/omr-review/pkg/detection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("%v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	detector, err := detection.NewClient(detection.Config{
		BaseURL:                cfg.DetectionURL,
		Timeout:                cfg.DetectionTimeout,
		DefaultTemplateVersion: cfg.DetectionTemplateVersion,
		Logger:                 logger,
	})
	if err != nil {
		log.Fatalf("failed to create detection client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	thresholds := quality.DefaultThresholds()
	store := review.NewStore()

	examRepo := repository.NewExamRepository(db)
	gradebookRepo := repository.NewGradebookRepository(db)

	examKeyService := service.NewExamKeyService(examRepo, redisClient, cfg.ExamCacheTTL, logger)
	captureService := service.NewCaptureService(thresholds, logger)
	reviewService := service.NewReviewService(store, examKeyService, detector, thresholds, validate, logger)
	gradingService := service.NewGradingService(store, gradebookRepo, validate, logger)
	broker := service.NewBatchUpdateBroker(redisClient, cfg.EventsChannel, natsConn, logger)
	batchService := service.NewBatchService(detector, reviewService, broker, service.BatchConfig{
		Workers:       cfg.BatchWorkers,
		MaxImageBytes: int(cfg.BatchMaxImageBytes),
		Thresholds:    thresholds,
		Snapshots:     service.NewRedisBatchSnapshots(redisClient, cfg.EventsChannel, 0),
	}, logger)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	broker.Start(runCtx)
	batchService.Start(runCtx)

	checks := map[string]handler.DependencyCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.BatchMaxImageBytes) * 20,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		CaptureHandler: handler.NewCaptureHandler(captureService, validate, logger),
		ReviewHandler:  handler.NewReviewHandler(reviewService, gradingService, logger),
		BatchHandler:   handler.NewBatchHandler(batchService, middleware.RateLimit("batches", 5, time.Minute), logger),
		JWTMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
		HealthChecks:   checks,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopRun)
}

func waitForShutdown(app *fiber.App, stopRun context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopRun()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
