package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/imgbatch/internal/domain"
	"github.com/timmy/imgbatch/internal/logger"
	"gorm.io/gorm"
)

// ErrNoJob is returned by Dequeue when nothing is runnable right now.
var ErrNoJob = errors.New("no job available")

// ErrLeaseLost is returned when a delivery is acked or failed after its lease
// expired and another worker claimed the job.
var ErrLeaseLost = errors.New("job lease lost")

// claimRetries bounds how many candidates Dequeue tries when it loses races.
const claimRetries = 5

// Outcome is what Fail decided for a job.
type Outcome string

const (
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
)

// FailResult describes a failed attempt.
type FailResult struct {
	Outcome Outcome
	// Delay before the next attempt, zero when dead-lettered.
	Delay time.Duration
}

// Delivery is one claimed job, held by exactly one worker until Ack or Fail.
type Delivery struct {
	ID          string
	Job         domain.Job
	Attempt     int
	MaxAttempts int
	policy      RetryPolicy
	leaseToken  string
}

// Stats counts queue rows per state.
type Stats struct {
	Queued    int64 `json:"queued"`
	InFlight  int64 `json:"inFlight"`
	Succeeded int64 `json:"succeeded"`
	Dead      int64 `json:"dead"`
}

// Options configures a Queue.
type Options struct {
	// VisibilityTimeout is how long a claimed job stays invisible to other
	// workers. A worker that dies without acking loses the job after this.
	VisibilityTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue is a durable at-least-once job queue stored in the database.
// Claims are optimistic compare-and-set updates on a lease token, which works
// the same on SQLite and PostgreSQL.
type Queue struct {
	db         *gorm.DB
	visibility time.Duration
	now        func() time.Time
	wake       chan struct{}
}

// New creates a Queue on db. The queue_jobs table must already be migrated.
func New(db *gorm.DB, opts Options) *Queue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		db:         db,
		visibility: opts.VisibilityTimeout,
		now:        opts.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Wake fires after new work is enqueued in this process so idle workers can
// skip the rest of their poll interval.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Enqueue validates and persists one job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: typed job; its payload is validated against its kind.
//   - policy: retry policy stored with the job.
// Returns:
//   - string: job ID.
//   - error: *domain.ValidationError for bad input, or a storage error.
func (q *Queue) Enqueue(ctx context.Context, job domain.Job, policy RetryPolicy) (string, error) {
	ids, err := q.EnqueueAll(ctx, []domain.Job{job}, policy)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueAll validates and persists jobs in one transaction: either every job
// is queued or none is.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobs: typed jobs.
//   - policy: retry policy applied to every job.
// Returns:
//   - []string: job IDs in input order.
//   - error: *domain.ValidationError for bad input, or a storage error.
func (q *Queue) EnqueueAll(ctx context.Context, jobs []domain.Job, policy RetryPolicy) ([]string, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	now := q.now().UnixMilli()
	rows := make([]domain.QueuedJob, 0, len(jobs))
	ids := make([]string, 0, len(jobs))
	for i, job := range jobs {
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		payload, err := domain.EncodePayload(job)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		id := uuid.New().String()
		rows = append(rows, domain.QueuedJob{
			ID:          id,
			Kind:        job.Kind,
			Payload:     payload,
			State:       domain.JobStateQueued,
			RunAt:       now,
			MaxAttempts: policy.MaxAttempts,
			BaseDelayMs: policy.BaseDelay.Milliseconds(),
			Multiplier:  policy.Multiplier,
			MaxDelayMs:  policy.MaxDelay.Milliseconds(),
		})
		ids = append(ids, id)
	}

	if err := q.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue jobs: %w", err)
	}

	q.signal()
	return ids, nil
}

// Dequeue claims the next runnable job: a queued job whose run time has come,
// or an in-flight job whose lease expired (its worker is presumed dead).
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *Delivery: the claimed job.
//   - error: ErrNoJob when nothing is runnable, or a storage error.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	db := q.db.WithContext(ctx)

	for i := 0; i < claimRetries; i++ {
		now := q.now().UnixMilli()

		var candidate domain.QueuedJob
		err := db.Where("(state = ? AND run_at <= ?) OR (state = ? AND lease_until < ?)",
			domain.JobStateQueued, now, domain.JobStateInFlight, now).
			Order("run_at ASC").
			Limit(1).
			Take(&candidate).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNoJob
			}
			return nil, fmt.Errorf("failed to find runnable job: %w", err)
		}

		token := uuid.New().String()
		res := db.Model(&domain.QueuedJob{}).
			Where("id = ? AND state = ? AND lease_token = ?", candidate.ID, candidate.State, candidate.LeaseToken).
			Updates(map[string]interface{}{
				"state":       domain.JobStateInFlight,
				"attempt":     gorm.Expr("attempt + 1"),
				"lease_token": token,
				"lease_until": now + q.visibility.Milliseconds(),
				"updated_at":  q.now(),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// another worker got it first
			continue
		}

		job, err := candidate.Decode()
		if err != nil {
			if berr := q.bury(ctx, candidate.ID, token, err); berr != nil {
				logger.FromContext(ctx).WithError(berr).Error("Failed to dead-letter undecodable job")
			}
			continue
		}

		return &Delivery{
			ID:          candidate.ID,
			Job:         job,
			Attempt:     candidate.Attempt + 1,
			MaxAttempts: candidate.MaxAttempts,
			policy:      policyOf(&candidate),
			leaseToken:  token,
		}, nil
	}
	return nil, ErrNoJob
}

// Ack marks a delivery as succeeded.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	res := q.db.WithContext(ctx).Model(&domain.QueuedJob{}).
		Where("id = ? AND state = ? AND lease_token = ?", d.ID, domain.JobStateInFlight, d.leaseToken).
		Updates(map[string]interface{}{
			"state":       domain.JobStateSucceeded,
			"lease_until": 0,
			"updated_at":  q.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt. The job is rescheduled with backoff while
// attempts remain; after MaxAttempts it is dead-lettered.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - d: the delivery that failed.
//   - cause: the handler error, stored as the job's last error.
// Returns:
//   - FailResult: retry_scheduled with its delay, or dead_lettered.
//   - error: ErrLeaseLost if the lease expired, or a storage error.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error) (FailResult, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var result FailResult
	updates := map[string]interface{}{
		"last_error":  msg,
		"lease_until": 0,
		"updated_at":  q.now(),
	}
	if d.Attempt >= d.MaxAttempts {
		result = FailResult{Outcome: OutcomeDeadLettered}
		updates["state"] = domain.JobStateDead
	} else {
		delay := d.policy.Backoff(d.Attempt)
		result = FailResult{Outcome: OutcomeRetryScheduled, Delay: delay}
		updates["state"] = domain.JobStateQueued
		updates["run_at"] = q.now().Add(delay).UnixMilli()
	}

	res := q.db.WithContext(ctx).Model(&domain.QueuedJob{}).
		Where("id = ? AND state = ? AND lease_token = ?", d.ID, domain.JobStateInFlight, d.leaseToken).
		Updates(updates)
	if res.Error != nil {
		return FailResult{}, fmt.Errorf("failed to record failure of job %s: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return FailResult{}, ErrLeaseLost
	}
	return result, nil
}

// Stats returns row counts per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	type row struct {
		State domain.JobState
		Count int64
	}
	var rows []row
	if err := q.db.WithContext(ctx).Model(&domain.QueuedJob{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	var s Stats
	for _, r := range rows {
		switch r.State {
		case domain.JobStateQueued:
			s.Queued = r.Count
		case domain.JobStateInFlight:
			s.InFlight = r.Count
		case domain.JobStateSucceeded:
			s.Succeeded = r.Count
		case domain.JobStateDead:
			s.Dead = r.Count
		}
	}
	return s, nil
}

// bury dead-letters a job whose payload cannot be decoded; retrying cannot help.
func (q *Queue) bury(ctx context.Context, id, token string, cause error) error {
	res := q.db.WithContext(ctx).Model(&domain.QueuedJob{}).
		Where("id = ? AND lease_token = ?", id, token).
		Updates(map[string]interface{}{
			"state":      domain.JobStateDead,
			"last_error": cause.Error(),
			"updated_at": q.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to bury job %s: %w", id, res.Error)
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
