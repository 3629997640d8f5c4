package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/imgbatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errBatchClosed aborts a progress transaction when the batch already left the open states.
var errBatchClosed = errors.New("batch is closed")

// BatchRepository is the entity store for batches. All progress mutation goes
// through guarded UPDATE statements so concurrent workers never lose an update
// and the terminal transition happens exactly once.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a batch together with its products.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batch: batch to persist; Products are inserted in slice order.
// Returns:
//   - error: non-nil if the insert fails.
func (r *BatchRepository) Create(ctx context.Context, batch *domain.Batch) error {
	for i := range batch.Products {
		batch.Products[i].BatchID = batch.ID
		batch.Products[i].Position = i
	}
	return r.db.WithContext(ctx).Create(batch).Error
}

// GetByID loads a batch snapshot with products and their output URLs in the
// order they were recorded.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: batch ID.
// Returns:
//   - *domain.Batch: assembled batch.
//   - error: domain.ErrBatchNotFound if no such batch exists.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	db := r.db.WithContext(ctx)

	var batch domain.Batch
	err := db.Preload("Products", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).First(&batch, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	var outputs []domain.ProductOutput
	if err := db.Where("batch_id = ?", id).Order("id ASC").Find(&outputs).Error; err != nil {
		return nil, fmt.Errorf("failed to load outputs: %w", err)
	}
	var failures []domain.ProductFailure
	if err := db.Where("batch_id = ?", id).Order("id ASC").Find(&failures).Error; err != nil {
		return nil, fmt.Errorf("failed to load failures: %w", err)
	}

	byName := make(map[string]*domain.Product, len(batch.Products))
	for i := range batch.Products {
		p := &batch.Products[i]
		p.OutputURLs = domain.StringArray{}
		byName[p.Name] = p
	}
	for _, o := range outputs {
		if p, ok := byName[o.ProductName]; ok {
			p.OutputURLs = append(p.OutputURLs, o.OutputURL)
		}
	}
	for _, f := range failures {
		if p, ok := byName[f.ProductName]; ok {
			p.FailedURLs = append(p.FailedURLs, f.InputURL)
		}
	}

	return &batch, nil
}

// GetProgress returns only the counters and status of a batch.
func (r *BatchRepository) GetProgress(ctx context.Context, id string) (domain.Progress, error) {
	return loadProgress(r.db.WithContext(ctx), id)
}

// RecordSuccess appends outputURL to the product's outputs and counts one
// completed image, atomically. The caller whose increment brings the batch to
// its total gets JustCompleted. A repeated (batch, product, output) is
// reported as Duplicate and changes nothing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID, productName: owner of the image.
//   - inputURL: source locator of the image.
//   - outputURL: stored locator of the processed image.
// Returns:
//   - domain.Progress: counters after the update.
//   - error: domain.ErrBatchNotFound, or a storage error.
func (r *BatchRepository) RecordSuccess(ctx context.Context, batchID, productName, inputURL, outputURL string) (domain.Progress, error) {
	var progress domain.Progress
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out := &domain.ProductOutput{
			BatchID:     batchID,
			ProductName: productName,
			InputURL:    inputURL,
			OutputURL:   outputURL,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(out)
		if res.Error != nil {
			return fmt.Errorf("failed to record output: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			p, err := loadProgress(tx, batchID)
			if err != nil {
				return err
			}
			progress = p
			progress.Duplicate = true
			return nil
		}

		if err := ensureProduct(tx, batchID, productName); err != nil {
			return err
		}

		p, err := advance(tx, batchID, "completed")
		if err != nil {
			return err
		}
		progress = p
		return nil
	})
	return r.settle(ctx, batchID, progress, err)
}

// RecordImageFailure counts one dead-lettered image under the partial failure
// policy. Once completed + failed reaches total the batch closes as completed
// or partially_completed and the closing caller gets JustCompleted.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID, productName, inputURL: the image that failed.
//   - reason: last error seen for the image.
// Returns:
//   - domain.Progress: counters after the update.
//   - error: domain.ErrBatchNotFound, or a storage error.
func (r *BatchRepository) RecordImageFailure(ctx context.Context, batchID, productName, inputURL, reason string) (domain.Progress, error) {
	var progress domain.Progress
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fail := &domain.ProductFailure{
			BatchID:     batchID,
			ProductName: productName,
			InputURL:    inputURL,
			Reason:      reason,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fail)
		if res.Error != nil {
			return fmt.Errorf("failed to record image failure: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			p, err := loadProgress(tx, batchID)
			if err != nil {
				return err
			}
			progress = p
			progress.Duplicate = true
			return nil
		}

		if err := ensureProduct(tx, batchID, productName); err != nil {
			return err
		}

		p, err := advance(tx, batchID, "failed")
		if err != nil {
			return err
		}
		progress = p
		return nil
	})
	return r.settle(ctx, batchID, progress, err)
}

// RecordTerminalFailure moves an open batch to failed. AlreadyTerminal reports
// that the batch was closed before this call, so at most one caller sees a
// transition.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch to fail.
//   - reason: failure description stored on the batch.
// Returns:
//   - domain.FailureResult: whether a transition happened and the resulting status.
//   - error: domain.ErrBatchNotFound, or a storage error.
func (r *BatchRepository) RecordTerminalFailure(ctx context.Context, batchID, reason string) (domain.FailureResult, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("id = ? AND status IN ?", batchID, domain.OpenBatchStatuses).
		Updates(map[string]interface{}{
			"status":       domain.BatchStatusFailed,
			"error":        reason,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return domain.FailureResult{}, fmt.Errorf("failed to mark batch failed: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return domain.FailureResult{Status: domain.BatchStatusFailed}, nil
	}

	p, err := loadProgress(r.db.WithContext(ctx), batchID)
	if err != nil {
		return domain.FailureResult{}, err
	}
	return domain.FailureResult{AlreadyTerminal: true, Status: p.Status}, nil
}

// settle turns a rolled-back closed-batch transaction into a plain snapshot.
func (r *BatchRepository) settle(ctx context.Context, batchID string, progress domain.Progress, err error) (domain.Progress, error) {
	if err == nil {
		return progress, nil
	}
	if errors.Is(err, errBatchClosed) {
		return loadProgress(r.db.WithContext(ctx), batchID)
	}
	return domain.Progress{}, err
}

// advance increments one counter column and, if the batch reached its total,
// closes it. Both statements are guarded on the batch still being open.
func advance(tx *gorm.DB, batchID, column string) (domain.Progress, error) {
	now := time.Now()

	inc := tx.Model(&domain.Batch{}).
		Where("id = ? AND status IN ? AND completed + failed < total", batchID, domain.OpenBatchStatuses).
		Updates(map[string]interface{}{
			column:       gorm.Expr(column + " + 1"),
			"updated_at": now,
		})
	if inc.Error != nil {
		return domain.Progress{}, fmt.Errorf("failed to increment %s: %w", column, inc.Error)
	}
	if inc.RowsAffected == 0 {
		if _, err := loadProgress(tx, batchID); err != nil {
			return domain.Progress{}, err
		}
		return domain.Progress{}, errBatchClosed
	}

	fin := tx.Model(&domain.Batch{}).
		Where("id = ? AND status IN ? AND completed + failed = total", batchID, domain.OpenBatchStatuses).
		Updates(map[string]interface{}{
			"status": gorm.Expr("CASE WHEN failed = 0 THEN ? ELSE ? END",
				string(domain.BatchStatusCompleted), string(domain.BatchStatusPartiallyCompleted)),
			"completed_at": now,
			"updated_at":   now,
		})
	if fin.Error != nil {
		return domain.Progress{}, fmt.Errorf("failed to close batch: %w", fin.Error)
	}

	p, err := loadProgress(tx, batchID)
	if err != nil {
		return domain.Progress{}, err
	}
	p.JustCompleted = fin.RowsAffected == 1
	return p, nil
}

func ensureProduct(tx *gorm.DB, batchID, productName string) error {
	var count int64
	if err := tx.Model(&domain.Product{}).
		Where("batch_id = ? AND name = ?", batchID, productName).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up product: %w", err)
	}
	if count == 0 {
		if _, err := loadProgress(tx, batchID); err != nil {
			return err
		}
		return fmt.Errorf("product %q not found in batch %s", productName, batchID)
	}
	return nil
}

func loadProgress(db *gorm.DB, batchID string) (domain.Progress, error) {
	var batch domain.Batch
	err := db.Select("id", "status", "total", "completed", "failed").
		First(&batch, "id = ?", batchID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Progress{}, domain.ErrBatchNotFound
		}
		return domain.Progress{}, fmt.Errorf("failed to load batch progress: %w", err)
	}
	return batch.Progress(), nil
}
