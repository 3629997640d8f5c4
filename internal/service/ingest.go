package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/queue"
)

// BatchWriter is the slice of the entity store ingestion needs.
type BatchWriter interface {
	Create(ctx context.Context, batch *domain.Batch) error
	RecordTerminalFailure(ctx context.Context, batchID, reason string) (domain.FailureResult, error)
}

// JobEnqueuer queues jobs atomically.
type JobEnqueuer interface {
	EnqueueAll(ctx context.Context, jobs []domain.Job, policy queue.RetryPolicy) ([]string, error)
}

// IngestService turns parsed product records into a batch and one job per image.
type IngestService struct {
	batches BatchWriter
	queue   JobEnqueuer
	policy  queue.RetryPolicy
}

// NewIngestService creates a new ingest service.
// Parameters:
//   - batches: entity store for the new batch.
//   - jobs: queue receiving one job per input image.
//   - policy: retry policy attached to every job.
//
// Returns:
//   - *IngestService: initialized service.
func NewIngestService(batches BatchWriter, jobs JobEnqueuer, policy queue.RetryPolicy) *IngestService {
	return &IngestService{
		batches: batches,
		queue:   jobs,
		policy:  policy,
	}
}

// IngestResult is returned for an accepted batch.
type IngestResult struct {
	BatchID     string             `json:"requestId"`
	TotalImages int                `json:"totalImages"`
	Status      domain.BatchStatus `json:"status"`
}

// Ingest validates products, persists a processing batch whose total is the
// number of input images, and enqueues one job per image.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - products: parsed product records.
//   - webhookURL: optional completion listener.
//
// Returns:
//   - *IngestResult: id and size of the new batch.
//   - error: *domain.ValidationError for bad input (nothing persisted), or an
//     ingestion error if the batch could not be stored or its jobs queued.
func (s *IngestService) Ingest(ctx context.Context, products []domain.ProductRecord, webhookURL string) (*IngestResult, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if err := ValidateProducts(products); err != nil {
		return nil, err
	}
	if webhookURL != "" {
		if err := domain.ValidateImageURL("webhookUrl", webhookURL); err != nil {
			return nil, err
		}
	}

	batch := &domain.Batch{
		ID:         uuid.New().String(),
		Status:     domain.BatchStatusProcessing,
		WebhookURL: webhookURL,
		Products:   make([]domain.Product, 0, len(products)),
	}
	var jobs []domain.Job
	for _, rec := range products {
		inputs := make(domain.StringArray, 0, len(rec.InputURLs))
		for _, u := range rec.InputURLs {
			inputs = append(inputs, strings.TrimSpace(u))
		}
		batch.Products = append(batch.Products, domain.Product{
			Name:         strings.TrimSpace(rec.ProductName),
			SerialNumber: rec.SerialNumber,
			InputURLs:    inputs,
		})
		for _, u := range inputs {
			jobs = append(jobs, domain.NewImageJob(batch.ID, strings.TrimSpace(rec.ProductName), u))
		}
	}
	batch.Total = len(jobs)

	ctx = logger.SetBatchID(ctx, batch.ID)

	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	if _, err := s.queue.EnqueueAll(ctx, jobs, s.policy); err != nil {
		// A batch whose jobs never made it to the queue can never finish; close it now.
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if _, ferr := s.batches.RecordTerminalFailure(ctx, batch.ID, reason); ferr != nil {
			logger.FromContext(ctx).WithError(ferr).Error("Failed to mark batch failed after enqueue error")
		}
		return nil, fmt.Errorf("failed to enqueue jobs for batch %s: %w", batch.ID, err)
	}

	logger.With(logger.Fields{
		logger.FieldCount: batch.Total,
	}).Info(ctx, "Batch ingested: products=%d, images=%d", len(batch.Products), batch.Total)

	return &IngestResult{
		BatchID:     batch.ID,
		TotalImages: batch.Total,
		Status:      batch.Status,
	}, nil
}

// ValidateProducts rejects empty uploads, products without images, blank or
// duplicate product names, and non-http input URLs.
func ValidateProducts(products []domain.ProductRecord) error {
	if len(products) == 0 {
		return domain.NewValidationError("products", "must contain at least one product")
	}
	seen := make(map[string]int, len(products))
	for i, p := range products {
		name := strings.TrimSpace(p.ProductName)
		if name == "" {
			return domain.NewValidationError(fmt.Sprintf("products[%d].productName", i), "must not be empty")
		}
		if prev, dup := seen[name]; dup {
			return domain.NewValidationError(fmt.Sprintf("products[%d].productName", i),
				fmt.Sprintf("duplicates products[%d] (%q)", prev, name))
		}
		seen[name] = i
		if len(p.InputURLs) == 0 {
			return domain.NewValidationError(fmt.Sprintf("products[%d].inputUrls", i), "must contain at least one url")
		}
		// each (product, url) pair is one job identity; a repeat could never be counted
		urls := make(map[string]struct{}, len(p.InputURLs))
		for j, u := range p.InputURLs {
			field := fmt.Sprintf("products[%d].inputUrls[%d]", i, j)
			if err := domain.ValidateImageURL(field, u); err != nil {
				return err
			}
			key := strings.TrimSpace(u)
			if _, dup := urls[key]; dup {
				return domain.NewValidationError(field, fmt.Sprintf("repeats url %q", key))
			}
			urls[key] = struct{}{}
		}
	}
	return nil
}
