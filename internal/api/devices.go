package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/infra/metrics"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.db.ListDevices()
	if err != nil {
		s.serveError(w, err)
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	updateDeviceGauges(devices)
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		IP       string `json:"ip"`
		MAC      string `json:"mac"`
		Hostname string `json:"hostname"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" || body.IP == "" {
		writeError(w, http.StatusBadRequest, "name and ip are required")
		return
	}

	dev, err := s.reg.Register(body.Name, body.IP, body.MAC, body.Hostname, body.Platform, domain.DiscoveryManual)
	if err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.db.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.serveError(w, err)
		return
	}
	if dev == nil {
		s.serveError(w, domain.ErrDeviceNotFound)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleApproveDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoleID string `json:"role_id"`
	}
	// An empty body means "approve with the default role".
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	dev, err := s.reg.Approve(chi.URLParam(r, "id"), body.RoleID)
	if err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDenyDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Deny(chi.URLParam(r, "id")); err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAllocateMemory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MemoryMB int64 `json:"memory_mb"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	dev, err := s.reg.Allocate(chi.URLParam(r, "id"), body.MemoryMB)
	if err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "memory_mb": dev.AllocatedMB})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Remove(chi.URLParam(r, "id")); err != nil {
		s.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func updateDeviceGauges(devices []domain.Device) {
	counts := map[domain.DeviceStatus]int{}
	for _, d := range devices {
		counts[d.Status]++
	}
	for _, st := range []domain.DeviceStatus{
		domain.StatusPending, domain.StatusApproved, domain.StatusDenied,
		domain.StatusSuspended, domain.StatusOffline,
	} {
		metrics.DevicesByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
