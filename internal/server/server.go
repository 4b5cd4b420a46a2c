package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zel-fathi/gep-monitoring/internal/app"
	"github.com/zel-fathi/gep-monitoring/internal/config"
	"github.com/zel-fathi/gep-monitoring/internal/ratelimit"
	"github.com/zel-fathi/gep-monitoring/internal/util"
	"github.com/zel-fathi/gep-monitoring/pkg/auth"
	"github.com/zel-fathi/gep-monitoring/pkg/domain"
	"github.com/zel-fathi/gep-monitoring/pkg/ingest"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	LoginLimiter   *ratelimit.FixedWindowLimiter
	MaxUploadBytes int64
	Version        string
}

// Server exposes the monitoring API over HTTP.
type Server struct {
	app            *app.App
	loginLimiter   *ratelimit.FixedWindowLimiter
	mux            *http.ServeMux
	maxUploadBytes int64
	version        string
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = config.DefaultMaxUploadBytes
	}
	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}
	s := &Server{
		app:            cfg.App,
		loginLimiter:   cfg.LoginLimiter,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		version:        version,
	}
	s.routes()
	return s
}

// Router returns the configured handler wrapped in the shared middleware.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/token", s.handleToken)
	s.mux.Handle("/auth/logout", s.authenticated(s.handleLogout))

	// users (admin-only)
	s.mux.Handle("/users", s.adminOnly(s.handleUsers))
	s.mux.Handle("/users/", s.adminOnly(s.handleUserByID))

	// readings
	s.mux.Handle("/data", s.authenticated(s.handleData))
	s.mux.Handle("/data/upload", s.adminOnly(s.handleUpload))
	s.mux.Handle("/data/", s.authenticated(s.handleDataByID))

	// aggregates and exports
	s.mux.Handle("/metrics", s.authenticated(s.handleMetrics))
	s.mux.Handle("/metrics/summary", s.authenticated(s.handleMetricsSummary))
	s.mux.Handle("/export/data.csv", s.authenticated(s.handleExportData))
	s.mux.Handle("/export/metrics.csv", s.authenticated(s.handleExportMetrics))
	s.mux.Handle("/export/report.md", s.authenticated(s.handleExportReport))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
	})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	User        userPayload `json:"user"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.loginLimiter.Allow(util.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, expiresIn, err := s.app.Login(req.Username, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   expiresIn,
		User:        toUserPayload(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.Logout(token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		user, ok := s.app.UserFromToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next userHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		next(w, r, user)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAppError maps core service errors onto HTTP statuses. Anything
// unrecognized is a storage or internal failure: logged server-side,
// masked from the client.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrUsernameTaken),
		errors.Is(err, app.ErrDuplicateReading):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrUserNotFound),
		errors.Is(err, app.ErrReadingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrSelfDelete),
		errors.Is(err, app.ErrNoFieldsToUpdate),
		errors.Is(err, app.ErrUsernameAndPassword),
		errors.Is(err, app.ErrInvalidConsumption),
		errors.Is(err, auth.ErrUsernameTooShort),
		errors.Is(err, auth.ErrPasswordTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, "Malformed CSV file")
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
