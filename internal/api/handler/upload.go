package handler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/logger"
	"github.com/timmy/imgbatch/internal/service"
	"github.com/timmy/imgbatch/internal/source"
)

// multipartOverhead leaves room for boundaries and the other form fields.
const multipartOverhead = 1 << 20

// Ingester accepts parsed product records as a new batch.
type Ingester interface {
	Ingest(ctx context.Context, products []domain.ProductRecord, webhookURL string) (*service.IngestResult, error)
}

// UploadHandler accepts product CSV uploads.
type UploadHandler struct {
	ingest      Ingester
	parser      source.Source
	maxFileSize int64
}

// NewUploadHandler creates a new upload handler.
// Parameters:
//   - ingest: service creating the batch and its jobs.
//   - parser: document parser for the uploaded file.
//   - maxFileSize: upload limit in bytes.
// Returns:
//   - *UploadHandler: initialized handler.
func NewUploadHandler(ingest Ingester, parser source.Source, maxFileSize int64) *UploadHandler {
	if maxFileSize <= 0 {
		maxFileSize = 10 << 20
	}
	return &UploadHandler{
		ingest:      ingest,
		parser:      parser,
		maxFileSize: maxFileSize,
	}
}

// UploadResponse is returned for an accepted upload.
type UploadResponse struct {
	RequestID   string             `json:"requestId"`
	Message     string             `json:"message"`
	TotalImages int                `json:"totalImages"`
	Status      domain.BatchStatus `json:"status"`
}

// Upload handles POST /api/upload.
// Parameters:
//   - c: Gin request context (multipart form with "file" and optional "webhookUrl").
// Returns: none (writes JSON response).
func (h *UploadHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Request.ContentLength > h.maxFileSize+multipartOverhead {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize+multipartOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No CSV file uploaded"})
		return
	}
	if header.Size > h.maxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("File too large, limit is %d bytes", h.maxFileSize),
		})
		return
	}
	if !isCSV(header.Header.Get("Content-Type")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only CSV files are allowed"})
		return
	}

	file, err := header.Open()
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
		return
	}
	defer file.Close()

	records, totalImages, err := h.parser.Parse(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to process CSV",
			"message": err.Error(),
		})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No valid records found in CSV"})
		return
	}

	logger.CtxInfo(ctx, "CSV parsed: file=%s, products=%d, images=%d", header.Filename, len(records), totalImages)

	result, err := h.ingest.Ingest(ctx, records, c.PostForm("webhookUrl"))
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid upload",
				"field":   verr.Field,
				"message": verr.Reason,
			})
			return
		}
		logger.FromContext(ctx).WithError(err).Error("Upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Upload failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, UploadResponse{
		RequestID:   result.BatchID,
		Message:     "Upload successful, processing started",
		TotalImages: result.TotalImages,
		Status:      result.Status,
	})
}

func isCSV(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/csv"
}
