package source

import (
	"io"

	"github.com/timmy/imgbatch/internal/domain"
)

// Source turns an uploaded document into product records.
type Source interface {
	// GetSourceID returns the unique identifier for this source format.
	GetSourceID() string

	// Parse reads every product record from r.
	// Parameters:
	//   - r: raw document bytes.
	// Returns:
	//   - []domain.ProductRecord: records in document order, rows without images skipped.
	//   - int: total number of input images across records.
	//   - error: non-nil if the document is malformed.
	Parse(r io.Reader) ([]domain.ProductRecord, int, error)
}
