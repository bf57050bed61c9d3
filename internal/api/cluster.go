package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sharedllm/sharedllm/internal/domain"
)

type clusterDevice struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	IP            string             `json:"ip"`
	AgentPort     int                `json:"rpc_port"`
	AgentStatus   domain.AgentStatus `json:"rpc_status"`
	MemoryTotalMB int64              `json:"memory_total_mb"`
	MemoryFreeMB  int64              `json:"memory_free_mb"`
}

// handleClusterStatus re-probes every approved device and reports the
// refreshed reachability alongside the supervisor's post-reap state.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := s.reg.ProbeAll(r.Context())
	if err != nil {
		s.serveError(w, err)
		return
	}

	out := make([]clusterDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, clusterDevice{
			ID:            d.ID,
			Name:          d.Name,
			IP:            d.IP,
			AgentPort:     d.AgentPort,
			AgentStatus:   d.AgentStatus,
			MemoryTotalMB: d.MemoryTotalMB,
			MemoryFreeMB:  d.MemoryFreeMB,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":    out,
		"supervisor": s.sup.Status(),
	})
}

func (s *Server) handleModelCheck(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	var deviceIDs []string
	if raw := r.URL.Query().Get("device_ids"); raw != "" {
		deviceIDs = strings.Split(raw, ",")
	}

	analysis, err := s.orch.ModelCheck(path, deviceIDs)
	if err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleInferenceStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelPath  string   `json:"model_path"`
		DeviceIDs  []string `json:"device_ids"`
		NGPULayers *int     `json:"n_gpu_layers"`
		CtxSize    *int     `json:"ctx_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	session, err := s.orch.StartInference(body.ModelPath, body.DeviceIDs, body.NGPULayers, body.CtxSize)
	if err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleInferenceStop(w http.ResponseWriter, r *http.Request) {
	s.orch.StopInference()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInferenceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.sup.EngineRunning(),
		"session": s.sup.Session(),
	})
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.StartAgent(); err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	s.sup.StopAgent()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
