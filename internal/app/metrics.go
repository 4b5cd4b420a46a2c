package app

import (
	"fmt"
	"math"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
	"github.com/zel-fathi/gep-monitoring/pkg/export"
)

// MetricsPayload is an aggregate snapshot shaped for JSON responses.
// Numeric values are rounded to two decimal places here, at the
// reporting boundary; the underlying snapshot stays unrounded.
type MetricsPayload struct {
	CountPoints       int64      `json:"count_points"`
	TotalConsumption  float64    `json:"total_consumption"`
	AvgConsumption    float64    `json:"avg_consumption"`
	PeakConsumption   float64    `json:"peak_consumption"`
	PeakTimestamp     *time.Time `json:"peak_timestamp"`
	MinConsumption    float64    `json:"min_consumption"`
	MaxConsumption    float64    `json:"max_consumption"`
	ConsumptionStddev float64    `json:"consumption_stddev"`
	EarliestTimestamp *time.Time `json:"earliest_timestamp"`
	LatestTimestamp   *time.Time `json:"latest_timestamp"`
	DaysOfData        int64      `json:"days_of_data"`
}

// SummaryPayload extends the metrics payload with the reporting period
// and the narrative line used by the dashboard.
type SummaryPayload struct {
	Metrics MetricsPayload `json:"metrics"`
	Period  PeriodPayload  `json:"period"`
	Summary string         `json:"summary"`
}

// PeriodPayload describes the requested reporting bounds.
type PeriodPayload struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

// Metrics computes the aggregate snapshot for the bounds and rounds it
// for presentation.
func (a *App) Metrics(from, to *time.Time) (MetricsPayload, error) {
	snapshot, err := a.store.AggregateReadings(from, to)
	if err != nil {
		return MetricsPayload{}, fmt.Errorf("aggregate readings: %w", err)
	}
	return roundSnapshot(snapshot), nil
}

// Summary returns the rounded metrics together with the period bounds
// and the narrative sentence.
func (a *App) Summary(from, to *time.Time) (SummaryPayload, error) {
	snapshot, err := a.store.AggregateReadings(from, to)
	if err != nil {
		return SummaryPayload{}, fmt.Errorf("aggregate readings: %w", err)
	}
	return SummaryPayload{
		Metrics: roundSnapshot(snapshot),
		Period:  PeriodPayload{From: from, To: to},
		Summary: export.Narrative(snapshot),
	}, nil
}

// ExportReadingsCSV renders the bounded readings, ascending by
// timestamp, as a CSV document.
func (a *App) ExportReadingsCSV(from, to *time.Time) ([]byte, error) {
	rows, err := a.store.ListReadingsAscending(from, to)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	return export.ReadingsCSV(rows)
}

// ExportMetricsCSV renders the aggregate snapshot as a metric,value CSV.
func (a *App) ExportMetricsCSV(from, to *time.Time) ([]byte, error) {
	snapshot, err := a.store.AggregateReadings(from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}
	return export.MetricsCSV(snapshot)
}

// ExportReport renders the Markdown report for the bounds.
func (a *App) ExportReport(from, to *time.Time) ([]byte, error) {
	snapshot, err := a.store.AggregateReadings(from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}
	return export.Report(snapshot, from, to, time.Now().UTC()), nil
}

func roundSnapshot(s domain.AggregateSnapshot) MetricsPayload {
	return MetricsPayload{
		CountPoints:       s.CountPoints,
		TotalConsumption:  round2(s.TotalConsumption),
		AvgConsumption:    round2(s.AvgConsumption),
		PeakConsumption:   round2(s.PeakConsumption),
		PeakTimestamp:     s.PeakTimestamp,
		MinConsumption:    round2(s.MinConsumption),
		MaxConsumption:    round2(s.MaxConsumption),
		ConsumptionStddev: round2(s.ConsumptionStddev),
		EarliestTimestamp: s.EarliestTimestamp,
		LatestTimestamp:   s.LatestTimestamp,
		DaysOfData:        s.DaysOfData,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
