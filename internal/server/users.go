package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

type userPayload struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserPayload(user domain.User) userPayload {
	return userPayload{
		ID:        user.ID,
		Username:  user.Username,
		IsAdmin:   user.IsAdmin,
		CreatedAt: user.CreatedAt,
	}
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

type updateUserRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
	IsAdmin  *bool   `json:"is_admin"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, _ domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleListUsers(w)
	case http.MethodPost:
		s.handleCreateUser(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter) {
	users, err := s.app.ListUsers()
	if err != nil {
		writeAppError(w, err)
		return
	}
	items := make([]userPayload, 0, len(users))
	for _, user := range users {
		items = append(items, toUserPayload(user))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": items,
		"count": len(items),
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.CreateUser(req.Username, req.Password, req.IsAdmin)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserPayload(user))
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request, actor domain.User) {
	id, ok := pathID(r.URL.Path, "/users/")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	switch r.Method {
	case http.MethodGet:
		user, err := s.app.GetUser(id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toUserPayload(user))
	case http.MethodPut:
		var req updateUserRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		user, err := s.app.UpdateUser(id, domain.UserPatch{
			Username: req.Username,
			Password: req.Password,
			IsAdmin:  req.IsAdmin,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toUserPayload(user))
	case http.MethodDelete:
		if err := s.app.DeleteUser(actor, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// pathID extracts the trailing numeric id from paths like /users/42.
func pathID(path, prefix string) (uint, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
