package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

func TestReadingsCSVRoundTrips(t *testing.T) {
	rows := []domain.Reading{
		{Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Consumption: 5},
		{Timestamp: time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC), Consumption: 7.125},
	}
	out, err := ReadingsCSV(rows)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	parsed, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(parsed))
	}
	if parsed[0][0] != "timestamp" || parsed[0][1] != "consumption" {
		t.Fatalf("unexpected header %v", parsed[0])
	}
	if parsed[1][0] != "2025-01-01T00:00:00Z" || parsed[1][1] != "5" {
		t.Fatalf("unexpected first row %v", parsed[1])
	}
	if parsed[2][1] != "7.125" {
		t.Fatalf("expected exact float round-trip, got %v", parsed[2])
	}
}

func TestReadingsCSVEmpty(t *testing.T) {
	out, err := ReadingsCSV(nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(out) != "timestamp,consumption\n" {
		t.Fatalf("expected header only, got %q", out)
	}
}

func TestMetricsCSVRoundsAtBoundary(t *testing.T) {
	peak := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	snapshot := domain.AggregateSnapshot{
		CountPoints:      3,
		TotalConsumption: 12.3456,
		AvgConsumption:   4.1152,
		PeakConsumption:  7.005,
		PeakTimestamp:    &peak,
		MinConsumption:   1,
		MaxConsumption:   7.005,
		DaysOfData:       2,
	}
	out, err := MetricsCSV(snapshot)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "total_consumption,12.35\n") {
		t.Fatalf("expected 2dp total, got:\n%s", text)
	}
	if !strings.Contains(text, "avg_consumption,4.12\n") {
		t.Fatalf("expected 2dp average, got:\n%s", text)
	}
	if !strings.Contains(text, "peak_timestamp,2025-01-02T12:00:00Z\n") {
		t.Fatalf("expected peak timestamp row, got:\n%s", text)
	}
	if !strings.HasPrefix(text, "metric,value\n") {
		t.Fatalf("expected metric,value header, got:\n%s", text)
	}
}

func TestReportEmptyStoreUsesFallback(t *testing.T) {
	out := Report(domain.AggregateSnapshot{}, nil, nil, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	text := string(out)
	if !strings.Contains(text, "# Energy Consumption Report") {
		t.Fatalf("missing title:\n%s", text)
	}
	if !strings.Contains(text, "Data period: all available data") {
		t.Fatalf("missing period line:\n%s", text)
	}
	if !strings.Contains(text, EmptyPeriodNarrative) {
		t.Fatalf("expected fallback narrative:\n%s", text)
	}
}

func TestReportNarrativeMentionsPeak(t *testing.T) {
	peak := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	earliest := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := domain.AggregateSnapshot{
		CountPoints:       2,
		TotalConsumption:  12,
		AvgConsumption:    6,
		PeakConsumption:   7,
		PeakTimestamp:     &peak,
		MinConsumption:    5,
		MaxConsumption:    7,
		EarliestTimestamp: &earliest,
		LatestTimestamp:   &peak,
		DaysOfData:        2,
	}
	text := string(Report(snapshot, nil, nil, time.Now()))
	if !strings.Contains(text, "peaked at 7.00 kWh on 2025-01-02T12:00:00Z") {
		t.Fatalf("expected narrative with peak, got:\n%s", text)
	}
	if !strings.Contains(text, "Data period: 2025-01-01T00:00:00Z to 2025-01-02T12:00:00Z") {
		t.Fatalf("expected period derived from snapshot bounds, got:\n%s", text)
	}
	if strings.Contains(text, EmptyPeriodNarrative) {
		t.Fatalf("fallback must not appear for non-empty data:\n%s", text)
	}
}
