package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the context.
const (
	// FieldRequestID is the HTTP request ID
	FieldRequestID = "request_id"

	// FieldBatchID is the batch (upload) ID that callers see as requestId
	FieldBatchID = "batch_id"

	// FieldJobID is the queue job ID
	FieldJobID = "job_id"

	// FieldWorkerID is the index of the worker within the pool
	FieldWorkerID = "worker_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldProduct is the product name a job belongs to
	FieldProduct = "product"

	// FieldAttempt is the delivery attempt of a job
	FieldAttempt = "attempt"
)

// Metric fields, attached per entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
)
