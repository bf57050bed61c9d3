package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/ollama"
)

func (s *Server) handleOllamaModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.ollama.ListModels(r.Context())
	if err != nil {
		s.serveError(w, fmt.Errorf("%w: ollama unreachable", domain.ErrUpstream))
		return
	}
	if models == nil {
		models = []ollama.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleOllamaPull proxies Ollama's streaming pull progress straight through
// to the client, flushing per chunk.
func (s *Server) handleOllamaPull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	resp, err := s.ollama.PullModel(r.Context(), body.Name)
	if err != nil {
		s.serveError(w, fmt.Errorf("%w: ollama unreachable", domain.ErrUpstream))
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleOllamaDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ollama.DeleteModel(r.Context(), name); err != nil {
		s.serveError(w, fmt.Errorf("%w: ollama delete failed", domain.ErrUpstream))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOllamaStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.ollama.Healthy(r.Context()),
		"host":    s.ollama.Host(),
	})
}
