package service

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/logger"
)

// WebhookNotifier posts the final batch snapshot to the batch's webhook.
// Each batch gets at most one attempt with a short timeout; failures are only logged.
type WebhookNotifier struct {
	client  *resty.Client
	timeout time.Duration
}

// NewWebhookNotifier creates a notifier; timeout <= 0 means 5s.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{client: client, timeout: timeout}
}

// Notify sends the snapshot of batch. It never returns an error; a failed
// delivery does not reopen the batch or trigger any retry.
func (n *WebhookNotifier) Notify(ctx context.Context, batch *domain.Batch) {
	if batch == nil || batch.WebhookURL == "" {
		return
	}

	start := time.Now()
	err := n.Deliver(ctx, batch)
	entry := logger.With(logger.Fields{
		logger.FieldBatchID:    batch.ID,
		logger.FieldStatus:     string(batch.Status),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.Warn(ctx, "Completion webhook failed: %v", err)
		return
	}
	entry.Info(ctx, "Completion webhook delivered: url=%s", batch.WebhookURL)
}

// Deliver performs the single POST and reports a *domain.NotificationError on failure.
func (n *WebhookNotifier) Deliver(ctx context.Context, batch *domain.Batch) error {
	// the caller's context may be about to expire with its job; the webhook gets its own budget
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	resp, err := n.client.R().
		SetContext(reqCtx).
		SetBody(NewStatusView(batch)).
		Post(batch.WebhookURL)
	if err != nil {
		return &domain.NotificationError{BatchID: batch.ID, Err: err}
	}
	if resp.IsError() {
		return &domain.NotificationError{BatchID: batch.ID, StatusCode: resp.StatusCode()}
	}
	return nil
}
