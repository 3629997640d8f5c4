package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/imgbatch/internal/domain"
)

func completedBatch(webhook string) *domain.Batch {
	return &domain.Batch{
		ID:         "b1",
		Status:     domain.BatchStatusCompleted,
		Total:      1,
		Completed:  1,
		WebhookURL: webhook,
		Products: []domain.Product{{
			Name:         "SKU1",
			SerialNumber: 1,
			InputURLs:    domain.StringArray{"https://img.example/a.jpg"},
			OutputURLs:   domain.StringArray{"https://cdn.example/b1/x.jpg"},
		}},
	}
}

func TestWebhookNotifier_PostsSnapshot(t *testing.T) {
	var got StatusView
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second)
	require.NoError(t, n.Deliver(context.Background(), completedBatch(srv.URL)))

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, "b1", got.RequestID)
	assert.Equal(t, domain.BatchStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress.Percentage)
	require.Len(t, got.Products, 1)
	assert.Equal(t, []string{"https://cdn.example/b1/x.jpg"}, got.Products[0].OutputURLs)
}

func TestWebhookNotifier_SingleAttemptOnError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second)
	err := n.Deliver(context.Background(), completedBatch(srv.URL))

	var nerr *domain.NotificationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, http.StatusBadGateway, nerr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Notify swallows the failure
	n.Notify(context.Background(), completedBatch(srv.URL))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestWebhookNotifier_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	start := time.Now()
	err := NewWebhookNotifier(50 * time.Millisecond).Deliver(context.Background(), completedBatch(srv.URL))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWebhookNotifier_SurvivesCancelledCaller(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewWebhookNotifier(time.Second).Deliver(ctx, completedBatch(srv.URL)))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestWebhookNotifier_NoWebhookIsNoop(t *testing.T) {
	// must not panic or block
	NewWebhookNotifier(0).Notify(context.Background(), completedBatch(""))
	NewWebhookNotifier(0).Notify(context.Background(), nil)
}
