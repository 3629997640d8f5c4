package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/queue"
	"golang.org/x/sync/errgroup"
)

// JobQueue is the consumer side of the job queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error) (queue.FailResult, error)
	Wake() <-chan struct{}
}

// ProgressStore is the atomic progress interface over the entity store.
// Workers never read-modify-write batch state; every change goes through here.
type ProgressStore interface {
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetProgress(ctx context.Context, id string) (domain.Progress, error)
	RecordSuccess(ctx context.Context, batchID, productName, inputURL, outputURL string) (domain.Progress, error)
	RecordImageFailure(ctx context.Context, batchID, productName, inputURL, reason string) (domain.Progress, error)
	RecordTerminalFailure(ctx context.Context, batchID, reason string) (domain.FailureResult, error)
}

// Transformer downloads and re-encodes one image.
type Transformer interface {
	Transform(ctx context.Context, inputURL string) ([]byte, error)
}

// ImageStore persists processed bytes and returns their locator.
type ImageStore interface {
	Store(ctx context.Context, key string, data []byte) (string, error)
}

// Notifier announces a batch that just reached a terminal state.
// Delivery is at most once per batch: the pool calls Notify after the terminal
// transition commits and before the job is acked, so a crash in between loses
// the notification and the redelivered job finds the batch closed.
type Notifier interface {
	Notify(ctx context.Context, batch *domain.Batch)
}

// FailurePolicy decides what a dead-lettered image does to its batch.
type FailurePolicy string

const (
	// FailurePolicyFailBatch fails the whole batch on the first dead-lettered image.
	FailurePolicyFailBatch FailurePolicy = "fail_batch"
	// FailurePolicyPartial records the image as failed and lets the rest finish.
	FailurePolicyPartial FailurePolicy = "partial"
)

// WorkerPoolConfig holds configuration for the worker pool.
type WorkerPoolConfig struct {
	Size          int
	JobTimeout    time.Duration
	PollInterval  time.Duration
	FailurePolicy FailurePolicy
}

// WorkerPool runs a fixed number of workers, each processing at most one job
// at a time, so at most Size external transform calls are ever in flight.
type WorkerPool struct {
	queue       JobQueue
	progress    ProgressStore
	transformer Transformer
	store       ImageStore
	notifier    Notifier
	logger      *logger.Logger

	size          int
	jobTimeout    time.Duration
	pollInterval  time.Duration
	failurePolicy FailurePolicy
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(
	jobs JobQueue,
	progress ProgressStore,
	transformer Transformer,
	store ImageStore,
	notifier Notifier,
	log *logger.Logger,
	cfg *WorkerPoolConfig,
) *WorkerPool {
	p := &WorkerPool{
		queue:         jobs,
		progress:      progress,
		transformer:   transformer,
		store:         store,
		notifier:      notifier,
		logger:        log,
		size:          cfg.Size,
		jobTimeout:    cfg.JobTimeout,
		pollInterval:  cfg.PollInterval,
		failurePolicy: cfg.FailurePolicy,
	}
	if p.size < 1 {
		p.size = 5
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = 45 * time.Second
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.failurePolicy == "" {
		p.failurePolicy = FailurePolicyFailBatch
	}
	if p.logger == nil {
		p.logger = logger.GetDefault()
	}
	return p
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// Run starts the workers and blocks until ctx is cancelled. Jobs already in
// progress are allowed to finish within their job timeout.
func (p *WorkerPool) Run(ctx context.Context) error {
	ctx = logger.SetComponent(p.logger.WithContext(ctx), "worker")
	logger.CtxInfo(ctx, "Worker pool started: size=%d, policy=%s", p.size, p.failurePolicy)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		workerID := i
		g.Go(func() error {
			p.loop(logger.WithField(gctx, logger.FieldWorkerID, workerID))
			return nil
		})
	}
	err := g.Wait()

	logger.CtxInfo(ctx, "Worker pool stopped")
	return err
}

func (p *WorkerPool) loop(ctx context.Context) {
	for ctx.Err() == nil {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrNoJob) && ctx.Err() == nil {
				logger.FromContext(ctx).WithError(err).Error("Failed to dequeue job")
			}
			p.idle(ctx)
			continue
		}
		// bookkeeping for a claimed job must not be cut short by shutdown
		p.handle(context.WithoutCancel(ctx), d)
	}
}

func (p *WorkerPool) idle(ctx context.Context) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.queue.Wake():
	case <-timer.C:
	}
}

func (p *WorkerPool) handle(ctx context.Context, d *queue.Delivery) {
	img := d.Job.Image
	if d.Job.Kind != domain.JobKindProcessImage || img == nil {
		p.fail(ctx, d, nil, fmt.Errorf("unsupported job kind %q", d.Job.Kind))
		return
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID:   d.ID,
		logger.FieldBatchID: img.BatchID,
		logger.FieldProduct: img.ProductName,
		logger.FieldAttempt: d.Attempt,
	})

	progress, err := p.progress.GetProgress(ctx, img.BatchID)
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			logger.CtxWarn(ctx, "Dropping job for unknown batch")
			p.ack(ctx, d)
			return
		}
		p.fail(ctx, d, img, fmt.Errorf("load batch: %w", err))
		return
	}
	if progress.Status.IsTerminal() {
		logger.CtxInfo(ctx, "Skipping job, batch already %s", progress.Status)
		p.ack(ctx, d)
		return
	}

	start := time.Now()
	outputURL, err := p.process(ctx, img)
	if err != nil {
		p.fail(ctx, d, img, err)
		return
	}

	progress, err = p.progress.RecordSuccess(ctx, img.BatchID, img.ProductName, img.InputURL, outputURL)
	if err != nil {
		p.fail(ctx, d, img, fmt.Errorf("record success: %w", err))
		return
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldStatus:     string(progress.Status),
	}).Info(ctx, "Image processed: completed=%d/%d, duplicate=%v", progress.Completed, progress.Total, progress.Duplicate)

	if progress.JustCompleted {
		p.announce(ctx, img.BatchID)
	}
	p.ack(ctx, d)
}

// process runs the transform and the upload under one job timeout.
func (p *WorkerPool) process(ctx context.Context, img *domain.ImageJob) (string, error) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	data, err := p.transformer.Transform(jobCtx, img.InputURL)
	if err != nil {
		return "", err
	}
	return p.store.Store(jobCtx, OutputKey(img.BatchID, img.ProductName, img.InputURL), data)
}

// fail hands the error to the queue. Retries leave the batch untouched; a
// dead-lettered job is applied to the batch according to the failure policy.
func (p *WorkerPool) fail(ctx context.Context, d *queue.Delivery, img *domain.ImageJob, cause error) {
	res, err := p.queue.Fail(ctx, d, cause)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to report job failure to queue")
		return
	}

	if res.Outcome == queue.OutcomeRetryScheduled {
		transient := &domain.TransientJobError{Attempt: d.Attempt, Err: cause}
		logger.FromContext(ctx).WithError(transient).
			Warnf("Job failed, retry scheduled in %s", res.Delay)
		return
	}

	terminal := &domain.TerminalJobError{Attempts: d.Attempt, Err: cause}
	logger.FromContext(ctx).WithError(terminal).Error("Job dead-lettered")
	if img == nil {
		return
	}

	switch p.failurePolicy {
	case FailurePolicyPartial:
		progress, err := p.progress.RecordImageFailure(ctx, img.BatchID, img.ProductName, img.InputURL, cause.Error())
		if err != nil {
			logger.FromContext(ctx).WithError(err).Error("Failed to record image failure")
			return
		}
		if progress.JustCompleted {
			p.announce(ctx, img.BatchID)
		}
	default:
		result, err := p.progress.RecordTerminalFailure(ctx, img.BatchID, terminal.Error())
		if err != nil {
			logger.FromContext(ctx).WithError(err).Error("Failed to mark batch failed")
			return
		}
		if !result.AlreadyTerminal {
			p.announce(ctx, img.BatchID)
		}
	}
}

func (p *WorkerPool) ack(ctx context.Context, d *queue.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to ack job")
	}
}

// announce loads the final snapshot and hands it to the notifier.
func (p *WorkerPool) announce(ctx context.Context, batchID string) {
	batch, err := p.progress.GetByID(ctx, batchID)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to load batch for notification")
		return
	}
	logger.CtxInfo(ctx, "Batch reached terminal state: status=%s", batch.Status)
	p.notifier.Notify(ctx, batch)
}
