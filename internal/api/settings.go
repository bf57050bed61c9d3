package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// allowedSettings is the closed set of keys the settings API accepts.
var allowedSettings = map[string]bool{
	"auto_start_ollama":   true,
	"ollama_host":         true,
	"mdns_enabled":        true,
	"trust_local_network": true,
	"backend_type":        true,
	"backend_url":         true,
	"backend_model":       true,
	"backend_api_key":     true,
	"default_role":        true,
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.db.ListSettings()
	if err != nil {
		s.serveError(w, err)
		return
	}
	// The stored API key never leaves the server.
	if _, ok := settings["backend_api_key"]; ok {
		settings["backend_api_key"] = apiKeyMask
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !allowedSettings[key] {
		s.serveError(w, fmt.Errorf("%w: %s", domain.ErrUnknownSetting, key))
		return
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.db.SetSetting(key, body.Value); err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
