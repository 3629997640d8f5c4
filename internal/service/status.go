package service

import (
	"context"

	"github.com/timmy/imgbatch/internal/domain"
)

// ProgressView is the consumer-facing progress block.
type ProgressView struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Failed     int `json:"failed,omitempty"`
	Percentage int `json:"percentage"`
}

// ProductView is one product as shown to consumers.
type ProductView struct {
	SerialNumber int      `json:"serialNumber"`
	ProductName  string   `json:"productName"`
	InputURLs    []string `json:"inputUrls"`
	OutputURLs   []string `json:"outputUrls"`
	FailedURLs   []string `json:"failedUrls,omitempty"`
}

// StatusView is the response of a status query and the body of a completion webhook.
type StatusView struct {
	RequestID string             `json:"requestId"`
	Status    domain.BatchStatus `json:"status"`
	Progress  ProgressView       `json:"progress"`
	Products  []ProductView      `json:"products"`
	Error     string             `json:"error,omitempty"`
}

// NewStatusView flattens a batch snapshot.
func NewStatusView(b *domain.Batch) *StatusView {
	p := b.Progress()
	view := &StatusView{
		RequestID: b.ID,
		Status:    b.Status,
		Progress: ProgressView{
			Completed:  p.Completed,
			Total:      p.Total,
			Failed:     p.Failed,
			Percentage: p.Percentage(),
		},
		Products: make([]ProductView, 0, len(b.Products)),
		Error:    b.Error,
	}
	for _, prod := range b.Products {
		outputs := []string(prod.OutputURLs)
		if outputs == nil {
			outputs = []string{}
		}
		view.Products = append(view.Products, ProductView{
			SerialNumber: prod.SerialNumber,
			ProductName:  prod.Name,
			InputURLs:    []string(prod.InputURLs),
			OutputURLs:   outputs,
			FailedURLs:   []string(prod.FailedURLs),
		})
	}
	return view
}

// BatchReader loads batch snapshots.
type BatchReader interface {
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
}

// StatusService answers status queries from the latest durable state.
type StatusService struct {
	batches BatchReader
}

// NewStatusService creates a new StatusService.
func NewStatusService(batches BatchReader) *StatusService {
	return &StatusService{batches: batches}
}

// GetStatus returns the view of one batch, or domain.ErrBatchNotFound.
func (s *StatusService) GetStatus(ctx context.Context, batchID string) (*StatusView, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return NewStatusView(batch), nil
}
