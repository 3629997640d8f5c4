package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// JobKind tags the payload schema a queued job carries.
type JobKind string

const (
	// JobKindProcessImage downloads, re-encodes and stores one input image.
	JobKindProcessImage JobKind = "process_image"
)

// JobState represents the queue-side state of a job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateInFlight  JobState = "in_flight"
	JobStateSucceeded JobState = "succeeded"
	JobStateDead      JobState = "dead"
)

// ImageJob is the payload of a JobKindProcessImage job.
type ImageJob struct {
	BatchID     string `json:"batchId"`
	InputURL    string `json:"inputUrl"`
	ProductName string `json:"productName"`
}

// Validate checks the payload schema.
func (j ImageJob) Validate() error {
	if strings.TrimSpace(j.BatchID) == "" {
		return NewValidationError("batchId", "must not be empty")
	}
	if strings.TrimSpace(j.ProductName) == "" {
		return NewValidationError("productName", "must not be empty")
	}
	return ValidateImageURL("inputUrl", j.InputURL)
}

// ValidateImageURL requires an absolute http(s) URL.
func ValidateImageURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return NewValidationError(field, fmt.Sprintf("invalid url %q", raw))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewValidationError(field, fmt.Sprintf("url %q must be absolute http(s)", raw))
	}
	return nil
}

// Job is a typed unit of work handed to the queue.
type Job struct {
	Kind  JobKind
	Image *ImageJob
}

// NewImageJob builds a JobKindProcessImage job.
func NewImageJob(batchID, productName, inputURL string) Job {
	return Job{
		Kind: JobKindProcessImage,
		Image: &ImageJob{
			BatchID:     batchID,
			InputURL:    inputURL,
			ProductName: productName,
		},
	}
}

// Validate checks that the kind is known and the matching payload is well formed.
func (j Job) Validate() error {
	switch j.Kind {
	case JobKindProcessImage:
		if j.Image == nil {
			return NewValidationError("payload", "process_image job requires an image payload")
		}
		return j.Image.Validate()
	default:
		return NewValidationError("kind", fmt.Sprintf("unknown job kind %q", j.Kind))
	}
}

// JobPayload is the JSON column holding the kind-specific payload.
type JobPayload json.RawMessage

// Value implements driver.Valuer.
func (p JobPayload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	return string(p), nil
}

// Scan implements sql.Scanner.
func (p *JobPayload) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*p = JobPayload("{}")
	case []byte:
		*p = append(JobPayload(nil), v...)
	case string:
		*p = JobPayload(v)
	default:
		return errors.New("failed to scan JobPayload")
	}
	return nil
}

// QueuedJob is the durable row backing a job in the queue.
// RunAt and LeaseUntil are unix milliseconds so ordering is portable across drivers.
type QueuedJob struct {
	ID          string     `gorm:"type:text;primaryKey"`
	Kind        JobKind    `gorm:"type:text;not null"`
	Payload     JobPayload `gorm:"type:text;not null"`
	State       JobState   `gorm:"type:text;not null;index:idx_queue_jobs_runnable,priority:1"`
	RunAt       int64      `gorm:"not null;index:idx_queue_jobs_runnable,priority:2"`
	LeaseUntil  int64      `gorm:"not null;default:0"`
	LeaseToken  string     `gorm:"type:text"`
	Attempt     int        `gorm:"not null;default:0"`
	MaxAttempts int        `gorm:"not null"`
	BaseDelayMs int64      `gorm:"not null"`
	Multiplier  float64    `gorm:"not null"`
	MaxDelayMs  int64      `gorm:"not null"`
	LastError   string     `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName returns the database table name for QueuedJob.
func (QueuedJob) TableName() string {
	return "queue_jobs"
}

// Decode rebuilds the typed job from the stored payload.
func (q *QueuedJob) Decode() (Job, error) {
	job := Job{Kind: q.Kind}
	switch q.Kind {
	case JobKindProcessImage:
		var img ImageJob
		if err := json.Unmarshal(q.Payload, &img); err != nil {
			return Job{}, fmt.Errorf("decode %s payload: %w", q.Kind, err)
		}
		job.Image = &img
	default:
		return Job{}, fmt.Errorf("unknown job kind %q", q.Kind)
	}
	return job, nil
}

// EncodePayload serialises the kind-specific payload of job.
func EncodePayload(job Job) (JobPayload, error) {
	switch job.Kind {
	case JobKindProcessImage:
		b, err := json.Marshal(job.Image)
		if err != nil {
			return nil, err
		}
		return JobPayload(b), nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
