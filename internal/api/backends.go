package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/router"
)

// apiKeyMask is what clients see in place of a stored API key. A submitted
// value equal to the mask means "keep the stored key".
const apiKeyMask = "********"

const backendModelsTimeout = 10 * time.Second

func (s *Server) handleGetBackendConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.proxy.BackendConfig()
	writeJSON(w, http.StatusOK, map[string]any{
		"backend_type":  cfg.Type,
		"backend_url":   cfg.URL,
		"backend_model": cfg.Model,
		"api_key_set":   cfg.APIKey != "",
	})
}

func (s *Server) handleSetBackendConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type   *string `json:"backend_type"`
		URL    *string `json:"backend_url"`
		Model  *string `json:"backend_model"`
		APIKey *string `json:"backend_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if body.Type != nil {
		switch *body.Type {
		case router.BackendLlamaCpp, router.BackendOllama, router.BackendLMStudio,
			router.BackendVLLM, router.BackendOpenAI, router.BackendCustom:
		default:
			writeError(w, http.StatusBadRequest, "unknown backend type")
			return
		}
		if err := s.db.SetSetting(router.SettingBackendType, *body.Type); err != nil {
			s.serveError(w, err)
			return
		}
	}
	if body.URL != nil {
		if err := s.db.SetSetting(router.SettingBackendURL, *body.URL); err != nil {
			s.serveError(w, err)
			return
		}
	}
	if body.Model != nil {
		if err := s.db.SetSetting(router.SettingBackendModel, *body.Model); err != nil {
			s.serveError(w, err)
			return
		}
	}
	// An empty or masked key means "leave the stored key untouched".
	if body.APIKey != nil && *body.APIKey != "" && *body.APIKey != apiKeyMask {
		if err := s.db.SetSetting(router.SettingBackendAPIKey, *body.APIKey); err != nil {
			s.serveError(w, err)
			return
		}
	}

	s.handleGetBackendConfig(w, r)
}

// handleBackendModels probes an arbitrary backend's model list without
// persisting anything, so the UI can test a configuration before saving it.
func (s *Server) handleBackendModels(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	apiKey := r.URL.Query().Get("api_key")
	backendType := r.URL.Query().Get("type")

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		writeError(w, http.StatusBadRequest, "url must start with http:// or https://")
		return
	}

	listPath := "/v1/models"
	if backendType == router.BackendOllama {
		listPath = "/api/tags"
	}
	target := strings.TrimRight(url, "/") + listPath
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		s.serveError(w, fmt.Errorf("%w: invalid backend url", domain.ErrUpstream))
		return
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: backendModelsTimeout}
	resp, err := client.Do(req)
	if err != nil {
		s.serveError(w, fmt.Errorf("%w: backend unreachable", domain.ErrUpstream))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.serveError(w, fmt.Errorf("%w: backend returned HTTP %d", domain.ErrUpstream, resp.StatusCode))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, resp.Body)
}
