package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// BatchStatus is the lifecycle state of an uploaded batch.
// Transitions only move forward: pending/processing into one of the terminal states.
type BatchStatus string

const (
	BatchStatusPending            BatchStatus = "pending"
	BatchStatusProcessing         BatchStatus = "processing"
	BatchStatusCompleted          BatchStatus = "completed"
	BatchStatusFailed             BatchStatus = "failed"
	BatchStatusPartiallyCompleted BatchStatus = "partially_completed"
)

// OpenBatchStatuses lists the states a batch can still leave.
var OpenBatchStatuses = []BatchStatus{BatchStatusPending, BatchStatusProcessing}

// IsTerminal reports whether no further transition is permitted.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusPartiallyCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchStatusPending:
		return next == BatchStatusProcessing || next.IsTerminal()
	case BatchStatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// StringArray stores a string slice as a JSON column.
type StringArray []string

// Value implements driver.Valuer.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("failed to scan StringArray")
	}
	return json.Unmarshal(raw, a)
}

// Batch is one ingested upload and all of its derived work.
type Batch struct {
	ID          string      `gorm:"type:text;primaryKey" json:"requestId"`
	Status      BatchStatus `gorm:"type:text;not null;index:idx_batches_status;default:pending" json:"status"`
	Total       int         `gorm:"not null;default:0" json:"total"`
	Completed   int         `gorm:"not null;default:0" json:"completed"`
	Failed      int         `gorm:"not null;default:0" json:"failed"`
	WebhookURL  string      `gorm:"type:text" json:"webhookUrl,omitempty"`
	Error       string      `gorm:"type:text" json:"error,omitempty"`
	Products    []Product   `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"products"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// TableName returns the database table name for Batch.
func (Batch) TableName() string {
	return "batches"
}

// Progress returns the batch counters as a value.
func (b *Batch) Progress() Progress {
	return Progress{
		Completed: b.Completed,
		Total:     b.Total,
		Failed:    b.Failed,
		Status:    b.Status,
	}
}

// Product is one row of the upload. Its identity inside a batch is its name.
type Product struct {
	ID           uint        `gorm:"primaryKey;autoIncrement" json:"-"`
	BatchID      string      `gorm:"type:text;not null;uniqueIndex:idx_batch_products_name" json:"-"`
	Name         string      `gorm:"type:text;not null;uniqueIndex:idx_batch_products_name" json:"productName"`
	Position     int         `gorm:"not null" json:"-"`
	SerialNumber int         `json:"serialNumber"`
	InputURLs    StringArray `gorm:"type:text" json:"inputUrls"`
	OutputURLs   StringArray `gorm:"-" json:"outputUrls"`
	FailedURLs   StringArray `gorm:"-" json:"failedUrls,omitempty"`
}

// TableName returns the database table name for Product.
func (Product) TableName() string {
	return "batch_products"
}

// ProductOutput records one processed image. The unique index on
// (batch, product, output) is what absorbs queue redelivery.
type ProductOutput struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	BatchID     string    `gorm:"type:text;not null;uniqueIndex:idx_product_outputs_key;index:idx_product_outputs_batch"`
	ProductName string    `gorm:"type:text;not null;uniqueIndex:idx_product_outputs_key"`
	OutputURL   string    `gorm:"type:text;not null;uniqueIndex:idx_product_outputs_key"`
	InputURL    string    `gorm:"type:text;not null"`
	CreatedAt   time.Time
}

// TableName returns the database table name for ProductOutput.
func (ProductOutput) TableName() string {
	return "batch_product_outputs"
}

// ProductFailure records one image whose job was dead-lettered while the
// batch runs under the partial failure policy.
type ProductFailure struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	BatchID     string    `gorm:"type:text;not null;uniqueIndex:idx_product_failures_key;index:idx_product_failures_batch"`
	ProductName string    `gorm:"type:text;not null;uniqueIndex:idx_product_failures_key"`
	InputURL    string    `gorm:"type:text;not null;uniqueIndex:idx_product_failures_key"`
	Reason      string    `gorm:"type:text"`
	CreatedAt   time.Time
}

// TableName returns the database table name for ProductFailure.
func (ProductFailure) TableName() string {
	return "batch_product_failures"
}

// Progress is the counter snapshot returned by the atomic progress operations.
type Progress struct {
	Completed int
	Total     int
	Failed    int
	Status    BatchStatus
	// JustCompleted is true for exactly one caller per batch: the one whose
	// update moved the batch into its terminal state.
	JustCompleted bool
	// Duplicate is set when the reported result had already been applied.
	Duplicate bool
}

// Percentage is completed/total rounded to the nearest whole percent.
func (p Progress) Percentage() int {
	if p.Total <= 0 {
		return 0
	}
	return int(float64(p.Completed)/float64(p.Total)*100 + 0.5)
}

// FailureResult is returned by the terminal-failure transition.
type FailureResult struct {
	// AlreadyTerminal is true when the batch had already left the open
	// states, so this call changed nothing.
	AlreadyTerminal bool
	Status          BatchStatus
}

// ProductRecord is a parsed upload row, the input to ingestion.
type ProductRecord struct {
	SerialNumber int      `json:"serialNumber"`
	ProductName  string   `json:"productName"`
	InputURLs    []string `json:"inputUrls"`
	OutputURLs   []string `json:"outputUrls"`
}
