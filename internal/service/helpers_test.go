package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/imgbatch/internal/config"
	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/queue"
	"github.com/timmy/imgbatch/internal/repository"
	"gorm.io/gorm"
)

// testEnv is a real SQLite-backed store and queue.
type testEnv struct {
	db    *gorm.DB
	repo  *repository.BatchRepository
	queue *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "service.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	return &testEnv{
		db:    db,
		repo:  repository.NewBatchRepository(db),
		queue: queue.New(db, queue.Options{VisibilityTimeout: time.Minute}),
	}
}

// fastRetry keeps pool tests quick while still exercising backoff.
func fastRetry(maxAttempts int) queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Millisecond,
	}
}

// fakeTransformer fails for URLs listed in failures until the given number
// of calls for that URL has been made (-1 fails forever).
type fakeTransformer struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	delay    time.Duration

	inFlight    int
	maxInFlight int
}

func newFakeTransformer() *fakeTransformer {
	return &fakeTransformer{calls: map[string]int{}, failures: map[string]int{}}
}

func (f *fakeTransformer) Transform(ctx context.Context, inputURL string) ([]byte, error) {
	f.mu.Lock()
	f.calls[inputURL]++
	n := f.calls[inputURL]
	limit, failing := f.failures[inputURL]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &domain.TransformError{Kind: domain.TransformTimeout, URL: inputURL, Err: ctx.Err()}
		}
	}

	if failing && (limit < 0 || n <= limit) {
		return nil, &domain.TransformError{Kind: domain.TransformFetchFailed, URL: inputURL, Err: fmt.Errorf("status 404")}
	}
	return []byte("jpeg:" + inputURL), nil
}

func (f *fakeTransformer) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeTransformer) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeTransformer) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// memoryImageStore hands out deterministic URLs.
type memoryImageStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryImageStore() *memoryImageStore {
	return &memoryImageStore{objects: map[string][]byte{}}
}

func (s *memoryImageStore) Store(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "https://cdn.example/" + key, nil
}

// recordingNotifier captures every notification.
type recordingNotifier struct {
	mu      sync.Mutex
	batches []*domain.Batch
	fired   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{fired: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Notify(ctx context.Context, batch *domain.Batch) {
	n.mu.Lock()
	n.batches = append(n.batches, batch)
	n.mu.Unlock()
	n.fired <- struct{}{}
}

func (n *recordingNotifier) Batches() []*domain.Batch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*domain.Batch(nil), n.batches...)
}

func (n *recordingNotifier) wait(t *testing.T) {
	t.Helper()
	select {
	case <-n.fired:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

// pngBytes encodes a solid w x h PNG.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
