package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sharedllm/sharedllm/internal/domain"
)

type rolePayload struct {
	Name          string `json:"name"`
	MaxMemoryMB   int64  `json:"max_memory_mb"`
	CanPullModels bool   `json:"can_pull_models"`
	TrustLevel    int    `json:"trust_level"`
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.db.ListRoles()
	if err != nil {
		s.serveError(w, err)
		return
	}
	if roles == nil {
		roles = []domain.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var body rolePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.MaxMemoryMB < 0 {
		writeError(w, http.StatusBadRequest, "max_memory_mb must be non-negative")
		return
	}

	role := domain.Role{
		ID:            uuid.New().String(),
		Name:          body.Name,
		MaxMemoryMB:   body.MaxMemoryMB,
		CanPullModels: body.CanPullModels,
		TrustLevel:    body.TrustLevel,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.UpsertRole(role); err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.db.GetRole(id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	if existing == nil {
		s.serveError(w, domain.ErrRoleNotFound)
		return
	}

	var body rolePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.MaxMemoryMB < 0 {
		writeError(w, http.StatusBadRequest, "max_memory_mb must be non-negative")
		return
	}

	updated := *existing
	if body.Name != "" {
		updated.Name = body.Name
	}
	updated.MaxMemoryMB = body.MaxMemoryMB
	updated.CanPullModels = body.CanPullModels
	updated.TrustLevel = body.TrustLevel

	if err := s.db.UpsertRole(updated); err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if domain.BuiltinRole(id) {
		s.serveError(w, domain.ErrBuiltinRole)
		return
	}
	if err := s.db.DeleteRole(id); err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
