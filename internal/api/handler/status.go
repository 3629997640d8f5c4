package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/service"
)

// StatusReader answers batch status queries.
type StatusReader interface {
	GetStatus(ctx context.Context, batchID string) (*service.StatusView, error)
}

// StatusHandler serves batch status.
type StatusHandler struct {
	status StatusReader
}

// NewStatusHandler creates a new status handler.
// Parameters:
//   - status: service reading batch snapshots.
// Returns:
//   - *StatusHandler: initialized handler.
func NewStatusHandler(status StatusReader) *StatusHandler {
	return &StatusHandler{status: status}
}

// GetStatus handles GET /api/status/:requestId.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *StatusHandler) GetStatus(c *gin.Context) {
	ctx := logger.SetBatchID(c.Request.Context(), c.Param("requestId"))

	view, err := h.status.GetStatus(ctx, c.Param("requestId"))
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
			return
		}
		logger.FromContext(ctx).WithError(err).Error("Status check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Status check failed"})
		return
	}

	c.JSON(http.StatusOK, view)
}
