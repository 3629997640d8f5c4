package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/timmy/imgbatch/internal/api"
	"github.com/timmy/imgbatch/internal/config"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/queue"
	"github.com/timmy/imgbatch/internal/repository"
	"github.com/timmy/imgbatch/internal/service"
	"github.com/timmy/imgbatch/internal/source/csv"
	"github.com/timmy/imgbatch/internal/storage"
)

func main() {
	appLogger := logger.NewFromEnv(logger.LoadFromEnv("imgbatch-api"))
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	batchRepo := repository.NewBatchRepository(db)
	jobQueue := queue.New(db, queue.Options{VisibilityTimeout: cfg.Queue.VisibilityTimeout})

	ingestService := service.NewIngestService(batchRepo, jobQueue, retryPolicy(cfg))
	statusService := service.NewStatusService(batchRepo)

	router := api.SetupRouter(api.Dependencies{
		Ingest: ingestService,
		Status: statusService,
		Queue:  jobQueue,
		Parser: csv.NewAdapter(),
		Logger: appLogger,
	}, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Worker.Embedded {
		objectStorage, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}

		pool := service.NewWorkerPool(
			jobQueue,
			batchRepo,
			service.NewImageTransformer(&service.TransformConfig{
				MaxWidth:     cfg.Transform.MaxWidth,
				MaxHeight:    cfg.Transform.MaxHeight,
				Quality:      cfg.Transform.Quality,
				FetchTimeout: cfg.Transform.FetchTimeout,
				MaxBytes:     cfg.Transform.MaxBytes,
				MaxPixels:    cfg.Transform.MaxPixels,
			}),
			service.NewObjectImageStore(objectStorage, cfg.Storage.Prefix),
			service.NewWebhookNotifier(cfg.Notifier.Timeout),
			appLogger,
			&service.WorkerPoolConfig{
				Size:          cfg.Worker.Size,
				JobTimeout:    cfg.Worker.JobTimeout,
				PollInterval:  cfg.Queue.PollInterval,
				FailurePolicy: service.FailurePolicy(cfg.Pipeline.FailurePolicy),
			},
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil {
				appLogger.WithError(err).Error("Worker pool exited with error")
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":            cfg.Server.Port,
			"mode":            cfg.Server.Mode,
			"embedded_worker": cfg.Worker.Embedded,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// in-flight jobs finish within their job timeout
	wg.Wait()
	appLogger.Info("Server exited")
}

func retryPolicy(cfg *config.Config) queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay,
		Multiplier:  cfg.Queue.Multiplier,
		MaxDelay:    cfg.Queue.MaxDelay,
	}
}
