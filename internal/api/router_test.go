package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/imgbatch/internal/config"
	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/queue"
	"github.com/timmy/imgbatch/internal/service"
	"github.com/timmy/imgbatch/internal/source/csv"
)

type fakeIngester struct {
	products []domain.ProductRecord
	webhook  string
	err      error
}

func (f *fakeIngester) Ingest(ctx context.Context, products []domain.ProductRecord, webhookURL string) (*service.IngestResult, error) {
	f.products = products
	f.webhook = webhookURL
	if f.err != nil {
		return nil, f.err
	}
	total := 0
	for _, p := range products {
		total += len(p.InputURLs)
	}
	return &service.IngestResult{BatchID: "req-1", TotalImages: total, Status: domain.BatchStatusProcessing}, nil
}

type fakeStatus struct {
	views map[string]*service.StatusView
}

func (f *fakeStatus) GetStatus(ctx context.Context, id string) (*service.StatusView, error) {
	if v, ok := f.views[id]; ok {
		return v, nil
	}
	return nil, domain.ErrBatchNotFound
}

type fakeStats struct {
	stats queue.Stats
	err   error
}

func (f *fakeStats) Stats(ctx context.Context) (queue.Stats, error) {
	return f.stats, f.err
}

func newTestRouter(ingest *fakeIngester, status *fakeStatus, stats *fakeStats) http.Handler {
	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}},
		Upload: config.UploadConfig{MaxFileSize: 1 << 20},
	}
	return SetupRouter(Dependencies{
		Ingest: ingest,
		Status: status,
		Queue:  stats,
		Parser: csv.NewAdapter(),
	}, cfg)
}

func multipartUpload(t *testing.T, contentType string, body []byte, webhook string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if body != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="products.csv"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(body)
		require.NoError(t, err)
	}
	if webhook != "" {
		require.NoError(t, w.WriteField("webhookUrl", webhook))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

const sampleCSV = "S. No.,Product Name,Input Image Urls\n" +
	`1,SKU1,"https://img.example/a.jpg,https://img.example/b.jpg"` + "\n" +
	"2,SKU2,https://img.example/c.jpg\n"

func TestUpload_Accepted(t *testing.T) {
	ingest := &fakeIngester{}
	router := newTestRouter(ingest, &fakeStatus{}, &fakeStats{})

	body, ct := multipartUpload(t, "text/csv", []byte(sampleCSV), "https://hooks.example/done")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp["requestId"])
	assert.EqualValues(t, 3, resp["totalImages"])
	assert.Equal(t, "processing", resp["status"])
	assert.NotEmpty(t, resp["message"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Len(t, ingest.products, 2)
	assert.Equal(t, "SKU1", ingest.products[0].ProductName)
	assert.Equal(t, "https://hooks.example/done", ingest.webhook)
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		ingestErr   error
		wantCode    int
	}{
		{"missing file", "", nil, nil, http.StatusBadRequest},
		{"not csv", "application/json", []byte(`{"a":1}`), nil, http.StatusBadRequest},
		{"no usable rows", "text/csv", []byte("S. No.,Product Name,Input Image Urls\n1,SKU1,\n"), nil, http.StatusBadRequest},
		{"missing column", "text/csv", []byte("Name,Urls\nx,y\n"), nil, http.StatusBadRequest},
		{"validation", "text/csv", []byte(sampleCSV), domain.NewValidationError("products[0].inputUrls[0]", "bad"), http.StatusBadRequest},
		{"store down", "text/csv", []byte(sampleCSV), errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeIngester{err: tt.ingestErr}, &fakeStatus{}, &fakeStats{})

			body, ct := multipartUpload(t, tt.contentType, tt.body, "")
			req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	router := newTestRouter(&fakeIngester{}, &fakeStatus{}, &fakeStats{})

	big := bytes.Repeat([]byte("a"), 3<<20)
	body, ct := multipartUpload(t, "text/csv", big, "")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatus(t *testing.T) {
	view := &service.StatusView{
		RequestID: "req-1",
		Status:    domain.BatchStatusCompleted,
		Progress:  service.ProgressView{Completed: 2, Total: 2, Percentage: 100},
		Products:  []service.ProductView{},
	}
	router := newTestRouter(&fakeIngester{}, &fakeStatus{views: map[string]*service.StatusView{"req-1": view}}, &fakeStats{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/req-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got service.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, *view, got)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Request not found")
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeIngester{}, &fakeStatus{}, &fakeStats{stats: queue.Stats{Queued: 4, InFlight: 1}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","queue":{"queued":4,"inFlight":1,"succeeded":0,"dead":0}}`, rec.Body.String())

	router = newTestRouter(&fakeIngester{}, &fakeStatus{}, &fakeStats{err: errors.New("db locked")})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(&fakeIngester{}, &fakeStatus{}, &fakeStats{})

	req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	router := newTestRouter(&fakeIngester{}, &fakeStatus{}, &fakeStats{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
}
