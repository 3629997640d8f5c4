package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/queue"
)

// QueueStats reports job counts per state.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	queue QueueStats
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(q QueueStats) *HealthHandler {
	return &HealthHandler{queue: q}
}

// Health returns liveness and the current queue depth. A queue that cannot be
// read makes the service unhealthy.
func (h *HealthHandler) Health(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		logger.FromContext(c.Request.Context()).WithError(err).Error("Health check failed to read queue")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  "queue unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"queue":  stats,
	})
}
