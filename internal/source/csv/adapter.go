package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/timmy/imgbatch/internal/domain"
)

const (
	// ColumnSerialNumber holds the row's serial number.
	ColumnSerialNumber = "S. No."
	// ColumnProductName holds the product name.
	ColumnProductName = "Product Name"
	// ColumnInputURLs holds a comma-separated list of image URLs.
	ColumnInputURLs = "Input Image Urls"
)

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// Adapter parses product CSV uploads. It is stateless and safe for concurrent use.
type Adapter struct{}

// NewAdapter creates a new CSV adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// GetSourceID returns "csv".
func (a *Adapter) GetSourceID() string {
	return "csv"
}

// Parse reads a header row followed by one product per row.
// Parameters:
//   - r: CSV document with at least the product name and input URL columns.
// Returns:
//   - []domain.ProductRecord: products that have at least one input URL.
//   - int: total number of input URLs.
//   - error: non-nil for malformed CSV or a missing required column.
func (a *Adapter) Parse(r io.Reader) ([]domain.ProductRecord, int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols := indexColumns(header)

	nameCol, ok := cols[ColumnProductName]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrMissingColumn, ColumnProductName)
	}
	urlCol, ok := cols[ColumnInputURLs]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrMissingColumn, ColumnInputURLs)
	}
	serialCol, hasSerial := cols[ColumnSerialNumber]

	var (
		records []domain.ProductRecord
		total   int
	)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read csv row: %w", err)
		}
		if isBlank(row) {
			continue
		}

		urls := splitURLs(field(row, urlCol))
		if len(urls) == 0 {
			continue
		}

		rec := domain.ProductRecord{
			ProductName: strings.TrimSpace(field(row, nameCol)),
			InputURLs:   urls,
		}
		if hasSerial {
			if s := strings.TrimSpace(field(row, serialCol)); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil {
					return nil, 0, fmt.Errorf("line %d: invalid serial number %q", line, s)
				}
				rec.SerialNumber = n
			}
		}

		records = append(records, rec)
		total += len(urls)
	}

	return records, total, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		// Excel writes a BOM before the first header
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	return cols
}

func splitURLs(raw string) []string {
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

func field(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
