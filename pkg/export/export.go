// Package export renders stored readings and aggregate snapshots as CSV
// or Markdown documents for download.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

// EmptyPeriodNarrative is emitted when a report covers no readings.
const EmptyPeriodNarrative = "No energy data available for the reporting period."

// ReadingsCSV renders readings as a two-column CSV with a
// "timestamp,consumption" header. Rows are written in the order given;
// callers supply them ascending by timestamp.
func ReadingsCSV(rows []domain.Reading) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "consumption"}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(row.Consumption, 'f', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MetricsCSV renders an aggregate snapshot as "metric,value" rows.
// Numeric metrics are rounded to two decimal places here, at the
// reporting boundary.
func MetricsCSV(snapshot domain.AggregateSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	records := [][]string{
		{"metric", "value"},
		{"count_points", strconv.FormatInt(snapshot.CountPoints, 10)},
		{"total_consumption", format2(snapshot.TotalConsumption)},
		{"avg_consumption", format2(snapshot.AvgConsumption)},
		{"peak_consumption", format2(snapshot.PeakConsumption)},
		{"peak_timestamp", formatTimestamp(snapshot.PeakTimestamp)},
		{"min_consumption", format2(snapshot.MinConsumption)},
		{"max_consumption", format2(snapshot.MaxConsumption)},
		{"consumption_stddev", format2(snapshot.ConsumptionStddev)},
		{"earliest_timestamp", formatTimestamp(snapshot.EarliestTimestamp)},
		{"latest_timestamp", formatTimestamp(snapshot.LatestTimestamp)},
		{"days_of_data", strconv.FormatInt(snapshot.DaysOfData, 10)},
	}
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Narrative builds the one-paragraph summary sentence for a snapshot, or
// the fixed fallback line when the snapshot covers no readings.
func Narrative(snapshot domain.AggregateSnapshot) string {
	if snapshot.CountPoints == 0 {
		return EmptyPeriodNarrative
	}
	peakAt := "an unknown time"
	if snapshot.PeakTimestamp != nil {
		peakAt = snapshot.PeakTimestamp.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"Across %d readings covering %d day(s), total consumption reached %s kWh with an average of %s kWh per reading; usage peaked at %s kWh on %s.",
		snapshot.CountPoints,
		snapshot.DaysOfData,
		format2(snapshot.TotalConsumption),
		format2(snapshot.AvgConsumption),
		format2(snapshot.PeakConsumption),
		peakAt,
	)
}

// Report renders the Markdown report for a snapshot: title, generation
// timestamp, data-period line, KPI table, and a narrative paragraph.
func Report(snapshot domain.AggregateSnapshot, from, to *time.Time, generatedAt time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Energy Consumption Report\n\n")
	fmt.Fprintf(&buf, "Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "Data period: %s\n\n", periodLine(snapshot, from, to))
	buf.WriteString("| Metric | Value |\n")
	buf.WriteString("| --- | --- |\n")
	fmt.Fprintf(&buf, "| Data points | %d |\n", snapshot.CountPoints)
	fmt.Fprintf(&buf, "| Total consumption (kWh) | %s |\n", format2(snapshot.TotalConsumption))
	fmt.Fprintf(&buf, "| Average consumption (kWh) | %s |\n", format2(snapshot.AvgConsumption))
	fmt.Fprintf(&buf, "| Peak consumption (kWh) | %s |\n", format2(snapshot.PeakConsumption))
	fmt.Fprintf(&buf, "| Peak timestamp | %s |\n", tableTimestamp(snapshot.PeakTimestamp))
	fmt.Fprintf(&buf, "| Minimum consumption (kWh) | %s |\n", format2(snapshot.MinConsumption))
	fmt.Fprintf(&buf, "| Maximum consumption (kWh) | %s |\n", format2(snapshot.MaxConsumption))
	fmt.Fprintf(&buf, "| Standard deviation (kWh) | %s |\n", format2(snapshot.ConsumptionStddev))
	fmt.Fprintf(&buf, "| Days of data | %d |\n", snapshot.DaysOfData)
	buf.WriteString("\n")
	buf.WriteString(Narrative(snapshot))
	buf.WriteString("\n")
	return buf.Bytes()
}

func periodLine(snapshot domain.AggregateSnapshot, from, to *time.Time) string {
	start := from
	if start == nil {
		start = snapshot.EarliestTimestamp
	}
	end := to
	if end == nil {
		end = snapshot.LatestTimestamp
	}
	if start == nil && end == nil {
		return "all available data"
	}
	return fmt.Sprintf("%s to %s", tableTimestamp(start), tableTimestamp(end))
}

func format2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func tableTimestamp(t *time.Time) string {
	if t == nil {
		return "n/a"
	}
	return t.UTC().Format(time.RFC3339)
}
