// Package ingest turns uploaded CSV byte streams into validated energy
// readings. Parsing is a pure transform; persisting the result is the
// caller's responsibility.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

// ErrMalformedInput marks a CSV stream that cannot be parsed at all.
// Per-row validation failures are not malformed input; those rows are
// dropped with a warning instead.
var ErrMalformedInput = errors.New("malformed CSV input")

const (
	timestampColumn   = "timestamp"
	consumptionColumn = "consumption"
)

// timestampLayouts are tried in order. Layouts without a zone are
// interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses a calendar date-time in any of the accepted
// layouts and normalizes it to UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, lastErr)
}

// Parse reads a CSV table whose header contains at least "timestamp" and
// "consumption" columns and returns the valid readings in source order,
// plus one warning per dropped row. Extra columns are ignored. A result
// with zero records and no error is legitimate: every data row was
// invalid or the file had no data rows.
func Parse(r io.Reader) ([]domain.Reading, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing header row: %v", ErrMalformedInput, err)
	}
	tsIdx, consIdx := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case timestampColumn:
			tsIdx = i
		case consumptionColumn:
			consIdx = i
		}
	}
	if tsIdx < 0 || consIdx < 0 {
		return nil, nil, fmt.Errorf("%w: header must contain %q and %q columns", ErrMalformedInput, timestampColumn, consumptionColumn)
	}

	var records []domain.Reading
	var warnings []string
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("%w: row %d: %v", ErrMalformedInput, line, err)
		}
		if len(row) <= tsIdx || len(row) <= consIdx {
			warnings = append(warnings, fmt.Sprintf("row %d: not enough columns, skipped", line))
			continue
		}
		ts, err := ParseTimestamp(row[tsIdx])
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: invalid timestamp %q, skipped", line, row[tsIdx]))
			continue
		}
		raw := strings.TrimSpace(row[consIdx])
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			warnings = append(warnings, fmt.Sprintf("row %d: invalid consumption %q, skipped", line, raw))
			continue
		}
		if value < 0 {
			warnings = append(warnings, fmt.Sprintf("row %d: negative consumption %q, skipped", line, raw))
			continue
		}
		records = append(records, domain.Reading{Timestamp: ts, Consumption: value})
	}
	return records, warnings, nil
}
