// Package api provides the controller's HTTP surface: the REST management
// API, the OpenAI-compatible inference endpoints, and the websocket event
// stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/cluster"
	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/infra/sqlite"
	"github.com/sharedllm/sharedllm/internal/memory"
	"github.com/sharedllm/sharedllm/internal/ollama"
	"github.com/sharedllm/sharedllm/internal/registry"
	"github.com/sharedllm/sharedllm/internal/router"
	"github.com/sharedllm/sharedllm/internal/supervisor"
)

// Server is the controller HTTP API server.
type Server struct {
	db        *sqlite.DB
	bus       *bus.Bus
	reg       *registry.Registry
	orch      *cluster.Orchestrator
	sup       *supervisor.Supervisor
	proxy     *router.Router
	ollama    *ollama.Manager
	providers []memory.Provider
	log       *logrus.Logger
	version   string
}

// NewServer wires the API server over the already-constructed services.
func NewServer(db *sqlite.DB, b *bus.Bus, reg *registry.Registry, orch *cluster.Orchestrator,
	sup *supervisor.Supervisor, proxy *router.Router, om *ollama.Manager,
	providers []memory.Provider, log *logrus.Logger, version string) *Server {
	return &Server{
		db:        db,
		bus:       b,
		reg:       reg,
		orch:      orch,
		sup:       sup,
		proxy:     proxy,
		ollama:    om,
		providers: providers,
		log:       log,
		version:   version,
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Post("/", s.handleRegisterDevice)
		r.Get("/{id}", s.handleGetDevice)
		r.Post("/{id}/approve", s.handleApproveDevice)
		r.Post("/{id}/deny", s.handleDenyDevice)
		r.Patch("/{id}/memory", s.handleAllocateMemory)
		r.Delete("/{id}", s.handleDeleteDevice)
	})

	r.Get("/api/gpu", s.handleGPU)

	r.Route("/api/permissions/roles", func(r chi.Router) {
		r.Get("/", s.handleListRoles)
		r.Post("/", s.handleCreateRole)
		r.Put("/{id}", s.handleUpdateRole)
		r.Delete("/{id}", s.handleDeleteRole)
	})

	r.Get("/api/settings", s.handleListSettings)
	r.Put("/api/settings/{key}", s.handlePutSetting)

	r.Route("/api/backends", func(r chi.Router) {
		r.Get("/config", s.handleGetBackendConfig)
		r.Post("/config", s.handleSetBackendConfig)
		r.Get("/models", s.handleBackendModels)
	})

	r.Route("/api/cluster", func(r chi.Router) {
		r.Get("/status", s.handleClusterStatus)
		r.Get("/model-check", s.handleModelCheck)
		r.Post("/inference/start", s.handleInferenceStart)
		r.Post("/inference/stop", s.handleInferenceStop)
		r.Get("/inference/status", s.handleInferenceStatus)
		r.Post("/rpc/start", s.handleAgentStart)
		r.Post("/rpc/stop", s.handleAgentStop)
	})

	// Ollama model management
	r.Get("/api/models", s.handleOllamaModels)
	r.Post("/api/models/pull", s.handleOllamaPull)
	r.Delete("/api/models/{name}", s.handleOllamaDelete)
	r.Get("/api/ollama/status", s.handleOllamaStatus)

	// OpenAI-compatible inference surface
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.proxy.ChatCompletions)
		r.Get("/models", s.proxy.ListModels)
	})

	r.Get("/ws", s.handleWebsocket)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serveError maps a service error to its HTTP status. Unknown errors are
// logged and normalized so database and IO detail never reaches the client.
func (s *Server) serveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidModelPath),
		errors.Is(err, domain.ErrModelNotFound),
		errors.Is(err, domain.ErrUnknownSetting),
		errors.Is(err, domain.ErrQuotaExceeded),
		errors.Is(err, domain.ErrNotApproved),
		errors.Is(err, domain.ErrTooManyPeers):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDeviceNotFound),
		errors.Is(err, domain.ErrRoleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrBuiltinRole):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrUpstream):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, domain.ErrEngineNotRunning),
		errors.Is(err, domain.ErrNoBackend):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrBinaryNotFound),
		errors.Is(err, domain.ErrImmediateExit):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// corsMiddleware adds CORS headers for browser-based dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
