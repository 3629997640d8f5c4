package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timmy/imgbatch/internal/config"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/queue"
	"github.com/timmy/imgbatch/internal/repository"
	"github.com/timmy/imgbatch/internal/service"
	"github.com/timmy/imgbatch/internal/storage"
)

func main() {
	appLogger := logger.NewFromEnv(logger.LoadFromEnv("imgbatch-worker"))
	logger.SetDefaultLogger(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(appLogger).ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// workerOptions are the command line overrides shared by every subcommand.
type workerOptions struct {
	configPath    string
	workers       int
	failurePolicy string
}

func (o *workerOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.workers > 0 {
		cfg.Worker.Size = o.workers
	}
	if o.failurePolicy != "" {
		cfg.Pipeline.FailurePolicy = o.failurePolicy
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newRootCmd(log *logger.Logger) *cobra.Command {
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "imgbatch-worker",
		Short: "Process queued image jobs",
		Long: `Runs a fixed-size pool of workers that claim image jobs from the durable
queue, re-encode each image, store it and record progress on its batch.`,
		Example: `  # Run with the config file in ./configs
  imgbatch-worker

  # Eight workers, record failed images instead of failing the batch
  imgbatch-worker --workers 8 --failure-policy partial`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, log)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of concurrent workers (overrides config)")
	cmd.Flags().StringVar(&opts.failurePolicy, "failure-policy", "", "fail_batch or partial (overrides config)")

	cmd.AddCommand(newMigrateCmd(opts, log))
	cmd.AddCommand(newStatsCmd(opts))

	return cmd
}

func newMigrateCmd(opts *workerOptions, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Database.AutoMigrate = true
			if _, err := repository.InitDB(&cfg.Database); err != nil {
				return err
			}
			log.WithField("driver", cfg.Database.Driver).Info("Database migrated")
			return nil
		},
	}
}

func newStatsCmd(opts *workerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := repository.InitDB(&cfg.Database)
			if err != nil {
				return err
			}
			stats, err := queue.New(db, queue.Options{}).Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued=%d in_flight=%d succeeded=%d dead=%d\n",
				stats.Queued, stats.InFlight, stats.Succeeded, stats.Dead)
			return nil
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure storage bucket: %w", err)
	}

	pool := service.NewWorkerPool(
		queue.New(db, queue.Options{VisibilityTimeout: cfg.Queue.VisibilityTimeout}),
		repository.NewBatchRepository(db),
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
		log,
		&service.WorkerPoolConfig{
			Size:          cfg.Worker.Size,
			JobTimeout:    cfg.Worker.JobTimeout,
			PollInterval:  cfg.Queue.PollInterval,
			FailurePolicy: service.FailurePolicy(cfg.Pipeline.FailurePolicy),
		},
	)

	log.WithFields(logger.Fields{
		"workers": pool.Size(),
		"policy":  cfg.Pipeline.FailurePolicy,
	}).Info("Starting worker")

	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool exited: %w", err)
	}
	log.Info("Worker exited")
	return nil
}
