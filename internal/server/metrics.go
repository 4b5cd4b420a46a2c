package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	from, to, ok := timeBounds(w, r)
	if !ok {
		return
	}
	metrics, err := s.app.Metrics(from, to)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	from, to, ok := timeBounds(w, r)
	if !ok {
		return
	}
	summary, err := s.app.Summary(from, to)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleExportData(w http.ResponseWriter, r *http.Request, _ domain.User) {
	s.serveExport(w, r, "data.csv", "text/csv; charset=utf-8", s.app.ExportReadingsCSV)
}

func (s *Server) handleExportMetrics(w http.ResponseWriter, r *http.Request, _ domain.User) {
	s.serveExport(w, r, "metrics.csv", "text/csv; charset=utf-8", s.app.ExportMetricsCSV)
}

func (s *Server) handleExportReport(w http.ResponseWriter, r *http.Request, _ domain.User) {
	s.serveExport(w, r, "report.md", "text/markdown; charset=utf-8", s.app.ExportReport)
}

func (s *Server) serveExport(w http.ResponseWriter, r *http.Request, filename, contentType string, render func(from, to *time.Time) ([]byte, error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	from, to, ok := timeBounds(w, r)
	if !ok {
		return
	}
	body, err := render(from, to)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
