package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/imgbatch/internal/config"
	"github.com/timmy/imgbatch/internal/domain"
)

func newTestRepo(t *testing.T) *BatchRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "nested", "batches.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	return NewBatchRepository(db)
}

// seedBatch stores a processing batch with one product per entry of urls.
func seedBatch(t *testing.T, repo *BatchRepository, id string, urls map[string][]string, order ...string) *domain.Batch {
	t.Helper()
	batch := &domain.Batch{ID: id, Status: domain.BatchStatusProcessing}
	for i, name := range order {
		batch.Products = append(batch.Products, domain.Product{
			Name:         name,
			SerialNumber: i + 1,
			InputURLs:    urls[name],
		})
		batch.Total += len(urls[name])
	}
	require.NoError(t, repo.Create(context.Background(), batch))
	return batch
}

func TestCreateAndGetByID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedBatch(t, repo, "b1", map[string][]string{
		"SKU2": {"https://img.example/2.jpg"},
		"SKU1": {"https://img.example/1a.jpg", "https://img.example/1b.jpg"},
	}, "SKU2", "SKU1")

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusProcessing, got.Status)
	assert.Equal(t, 3, got.Total)
	require.Len(t, got.Products, 2)
	assert.Equal(t, "SKU2", got.Products[0].Name, "products keep upload order")
	assert.Equal(t, "SKU1", got.Products[1].Name)
	assert.Equal(t, domain.StringArray{"https://img.example/1a.jpg", "https://img.example/1b.jpg"}, got.Products[1].InputURLs)
	assert.Empty(t, got.Products[1].OutputURLs)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestRecordSuccess_CompletesExactlyOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const n = 12
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://img.example/%d.jpg", i)
	}
	seedBatch(t, repo, "b1", map[string][]string{"SKU1": urls}, "SKU1")

	var (
		wg            sync.WaitGroup
		justCompleted int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := repo.RecordSuccess(ctx, "b1", "SKU1", urls[i], fmt.Sprintf("https://cdn.example/%d.jpg", i))
			if assert.NoError(t, err) && p.JustCompleted {
				atomic.AddInt32(&justCompleted, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, justCompleted)

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, got.Status)
	assert.Equal(t, n, got.Completed)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, got.Products[0].OutputURLs, n)
}

func TestRecordSuccess_RedeliveryIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedBatch(t, repo, "b1", map[string][]string{
		"SKU1": {"https://img.example/a.jpg", "https://img.example/b.jpg"},
	}, "SKU1")

	p, err := repo.RecordSuccess(ctx, "b1", "SKU1", "https://img.example/a.jpg", "https://cdn.example/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Completed)
	assert.False(t, p.Duplicate)

	p, err = repo.RecordSuccess(ctx, "b1", "SKU1", "https://img.example/a.jpg", "https://cdn.example/a.jpg")
	require.NoError(t, err)
	assert.True(t, p.Duplicate)
	assert.False(t, p.JustCompleted)
	assert.Equal(t, 1, p.Completed)

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/a.jpg"}, []string(got.Products[0].OutputURLs))
	assert.Equal(t, domain.BatchStatusProcessing, got.Status)
}

func TestRecordSuccess_OutputsStayOnTheirProduct(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedBatch(t, repo, "b1", map[string][]string{
		"SKU1": {"https://img.example/1.jpg"},
		"SKU2": {"https://img.example/2.jpg"},
	}, "SKU1", "SKU2")

	_, err := repo.RecordSuccess(ctx, "b1", "SKU2", "https://img.example/2.jpg", "https://cdn.example/2.jpg")
	require.NoError(t, err)
	p, err := repo.RecordSuccess(ctx, "b1", "SKU1", "https://img.example/1.jpg", "https://cdn.example/1.jpg")
	require.NoError(t, err)
	assert.True(t, p.JustCompleted)

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/1.jpg"}, []string(got.Products[0].OutputURLs))
	assert.Equal(t, []string{"https://cdn.example/2.jpg"}, []string(got.Products[1].OutputURLs))
}

func TestRecordSuccess_UnknownProductLeavesCountersAlone(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedBatch(t, repo, "b1", map[string][]string{"SKU1": {"https://img.example/1.jpg"}}, "SKU1")

	_, err := repo.RecordSuccess(ctx, "b1", "SKU9", "https://img.example/1.jpg", "https://cdn.example/1.jpg")
	require.Error(t, err)

	p, err := repo.GetProgress(ctx, "b1")
	require.NoError(t, err)
	assert.Zero(t, p.Completed)

	_, err = repo.RecordSuccess(ctx, "nope", "SKU1", "https://img.example/1.jpg", "https://cdn.example/1.jpg")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestRecordTerminalFailure_TransitionsOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedBatch(t, repo, "b1", map[string][]string{
		"SKU1": {"https://img.example/1.jpg", "https://img.example/2.jpg"},
	}, "SKU1")

	res, err := repo.RecordTerminalFailure(ctx, "b1", "dead-lettered")
	require.NoError(t, err)
	assert.False(t, res.AlreadyTerminal)
	assert.Equal(t, domain.BatchStatusFailed, res.Status)

	res, err = repo.RecordTerminalFailure(ctx, "b1", "again")
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)
	assert.Equal(t, domain.BatchStatusFailed, res.Status)

	// late successes on a failed batch change nothing
	p, err := repo.RecordSuccess(ctx, "b1", "SKU1", "https://img.example/1.jpg", "https://cdn.example/1.jpg")
	require.NoError(t, err)
	assert.False(t, p.JustCompleted)
	assert.Equal(t, domain.BatchStatusFailed, p.Status)
	assert.Zero(t, p.Completed)

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "dead-lettered", got.Error)
	assert.Empty(t, got.Products[0].OutputURLs)

	_, err = repo.RecordTerminalFailure(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestRecordTerminalFailure_AfterCompletion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedBatch(t, repo, "b1", map[string][]string{"SKU1": {"https://img.example/1.jpg"}}, "SKU1")

	p, err := repo.RecordSuccess(ctx, "b1", "SKU1", "https://img.example/1.jpg", "https://cdn.example/1.jpg")
	require.NoError(t, err)
	require.True(t, p.JustCompleted)

	res, err := repo.RecordTerminalFailure(ctx, "b1", "too late")
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)
	assert.Equal(t, domain.BatchStatusCompleted, res.Status)
}

func TestRecordImageFailure_PartialCompletion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedBatch(t, repo, "b1", map[string][]string{
		"SKU1": {"https://img.example/ok.jpg", "https://img.example/bad.jpg"},
	}, "SKU1")

	p, err := repo.RecordImageFailure(ctx, "b1", "SKU1", "https://img.example/bad.jpg", "404")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Failed)
	assert.False(t, p.JustCompleted)

	p, err = repo.RecordImageFailure(ctx, "b1", "SKU1", "https://img.example/bad.jpg", "404")
	require.NoError(t, err)
	assert.True(t, p.Duplicate)
	assert.Equal(t, 1, p.Failed)

	p, err = repo.RecordSuccess(ctx, "b1", "SKU1", "https://img.example/ok.jpg", "https://cdn.example/ok.jpg")
	require.NoError(t, err)
	assert.True(t, p.JustCompleted)
	assert.Equal(t, domain.BatchStatusPartiallyCompleted, p.Status)

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://img.example/bad.jpg"}, []string(got.Products[0].FailedURLs))
	assert.Equal(t, []string{"https://cdn.example/ok.jpg"}, []string(got.Products[0].OutputURLs))
}
