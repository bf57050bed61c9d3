package api

import (
	"net/http"

	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/infra/metrics"
	"github.com/sharedllm/sharedllm/internal/memory"
)

// handleGPU samples every local provider and attributes the cluster-wide
// allocated total across them proportionally to size.
func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	snaps := memory.Aggregate(s.providers)

	devices, err := s.db.ListDevices()
	if err != nil {
		s.serveError(w, err)
		return
	}
	// Only approved devices hold live reservations.
	var allocated int64
	for _, d := range devices {
		if d.Status == domain.StatusApproved {
			allocated += d.AllocatedMB
		}
	}
	memory.AttributeAllocations(snaps, allocated)
	metrics.AllocatedMB.Set(float64(allocated))

	writeJSON(w, http.StatusOK, map[string]any{
		"providers": snaps,
		"count":     len(snaps),
	})
}
