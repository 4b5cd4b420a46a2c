package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
	"github.com/zel-fathi/gep-monitoring/pkg/ingest"
	"github.com/zel-fathi/gep-monitoring/pkg/store"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 10000
)

type readingPayload struct {
	ID          uint      `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Consumption float64   `json:"consumption"`
}

func toReadingPayload(reading domain.Reading) readingPayload {
	return readingPayload{
		ID:          reading.ID,
		Timestamp:   reading.Timestamp,
		Consumption: reading.Consumption,
	}
}

type listDataResponse struct {
	Data       []readingPayload `json:"data"`
	Count      int              `json:"count"`
	Limit      int              `json:"limit"`
	Page       int              `json:"page"`
	Total      int64            `json:"total"`
	TotalPages int64            `json:"totalPages"`
}

type createReadingRequest struct {
	Timestamp   string   `json:"timestamp"`
	Consumption *float64 `json:"consumption"`
}

type updateReadingRequest struct {
	Timestamp   *string  `json:"timestamp"`
	Consumption *float64 `json:"consumption"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleListData(w, r)
	case http.MethodPost:
		s.handleCreateReading(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListData(w http.ResponseWriter, r *http.Request) {
	from, to, ok := timeBounds(w, r)
	if !ok {
		return
	}
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxPageLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = parsed
	}
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = parsed
	}

	readings, total, err := s.app.ListReadings(store.ReadingFilter{
		From:  from,
		To:    to,
		Limit: limit,
		Page:  page,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	items := make([]readingPayload, 0, len(readings))
	for _, reading := range readings {
		items = append(items, toReadingPayload(reading))
	}
	writeJSON(w, http.StatusOK, listDataResponse{
		Data:       items,
		Count:      len(items),
		Limit:      limit,
		Page:       page,
		Total:      total,
		TotalPages: (total + int64(limit) - 1) / int64(limit),
	})
}

func (s *Server) handleCreateReading(w http.ResponseWriter, r *http.Request) {
	var req createReadingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Timestamp == "" || req.Consumption == nil {
		writeError(w, http.StatusBadRequest, "timestamp and consumption are required")
		return
	}
	at, err := ingest.ParseTimestamp(req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp")
		return
	}
	reading, err := s.app.CreateReading(at, *req.Consumption)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReadingPayload(reading))
}

func (s *Server) handleDataByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, ok := pathID(r.URL.Path, "/data/")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid reading id")
		return
	}
	switch r.Method {
	case http.MethodGet:
		reading, err := s.app.GetReading(id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReadingPayload(reading))
	case http.MethodPut:
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		var req updateReadingRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		patch := domain.ReadingPatch{Consumption: req.Consumption}
		if req.Timestamp != nil {
			at, err := ingest.ParseTimestamp(*req.Timestamp)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid timestamp")
				return
			}
			patch.Timestamp = &at
		}
		reading, err := s.app.UpdateReading(id, patch)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReadingPayload(reading))
	case http.MethodDelete:
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		if err := s.app.DeleteReading(id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "Only CSV files are accepted")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}
	processed, inserted, err := s.app.UploadReadings(r.Context(), header.Filename, data)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":           "Upload complete",
		"records_processed": processed,
		"records_inserted":  inserted,
	})
}

// timeBounds parses optional from/to query parameters. On a parse
// failure it writes the 400 response itself and reports !ok.
func timeBounds(w http.ResponseWriter, r *http.Request) (*time.Time, *time.Time, bool) {
	var from, to *time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		at, err := ingest.ParseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' timestamp")
			return nil, nil, false
		}
		from = &at
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		at, err := ingest.ParseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' timestamp")
			return nil, nil, false
		}
		to = &at
	}
	return from, to, true
}
