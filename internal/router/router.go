// Package router is the single OpenAI-shaped entry point. It inspects the
// active backend configuration and streams each request to either the local
// supervised engine or a configured remote backend.
package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/infra/metrics"
	"github.com/sharedllm/sharedllm/internal/infra/sqlite"
	"github.com/sharedllm/sharedllm/internal/supervisor"
)

// Backend types selectable via the backend_type setting.
const (
	BackendLlamaCpp = "llamacpp" // the local supervised engine
	BackendOllama   = "ollama"
	BackendLMStudio = "lmstudio"
	BackendVLLM     = "vllm"
	BackendOpenAI   = "openai"
	BackendCustom   = "custom"
)

// Settings keys the router reads.
const (
	SettingBackendType   = "backend_type"
	SettingBackendURL    = "backend_url"
	SettingBackendModel  = "backend_model"
	SettingBackendAPIKey = "backend_api_key"
)

const listModelsTimeout = 10 * time.Second

// Config is the resolved backend selection.
type Config struct {
	Type   string
	URL    string
	Model  string
	APIKey string
}

// Local reports whether requests go to the supervised engine.
func (c Config) Local() bool { return c.Type == BackendLlamaCpp }

// Router proxies OpenAI-shaped traffic to the active backend.
type Router struct {
	db  *sqlite.DB
	sup *supervisor.Supervisor
	log *logrus.Logger

	// stream has no timeout: completions are long-lived and governed by
	// the client connection.
	stream *http.Client
	list   *http.Client
}

func New(db *sqlite.DB, sup *supervisor.Supervisor, log *logrus.Logger) *Router {
	return &Router{
		db:     db,
		sup:    sup,
		log:    log,
		stream: &http.Client{},
		list:   &http.Client{Timeout: listModelsTimeout},
	}
}

// BackendConfig resolves the active backend from settings. Absent values
// default to the local engine.
func (rt *Router) BackendConfig() Config {
	cfg := Config{Type: BackendLlamaCpp}
	if v, ok, err := rt.db.GetSetting(SettingBackendType); err == nil && ok && v != "" {
		cfg.Type = v
	}
	if v, _, err := rt.db.GetSetting(SettingBackendURL); err == nil {
		cfg.URL = v
	}
	if v, _, err := rt.db.GetSetting(SettingBackendModel); err == nil {
		cfg.Model = v
	}
	if v, _, err := rt.db.GetSetting(SettingBackendAPIKey); err == nil {
		cfg.APIKey = v
	}
	return cfg
}

// ChatCompletions proxies POST /v1/chat/completions to the active backend,
// streaming the upstream body back without buffering.
func (rt *Router) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	cfg := rt.BackendConfig()

	target, ok := rt.resolveTarget(w, cfg)
	if !ok {
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		target+"/v1/chat/completions", r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if !cfg.Local() && cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := rt.stream.Do(req)
	if err != nil {
		rt.log.WithError(err).Warn("chat completion backend unreachable")
		metrics.ProxyRequests.WithLabelValues("chat_completions", "5xx").Inc()
		writeError(w, http.StatusBadGateway, "backend unreachable")
		return
	}
	defer resp.Body.Close()

	metrics.ProxyRequests.WithLabelValues("chat_completions", statusClass(resp.StatusCode)).Inc()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	streamCopy(w, resp.Body)
}

// ListModels proxies GET /v1/models. An unreachable or stopped backend
// yields an empty OpenAI-shaped list with 200 so clients don't treat
// disconnection as fatal.
func (rt *Router) ListModels(w http.ResponseWriter, r *http.Request) {
	cfg := rt.BackendConfig()

	if cfg.Local() && !rt.sup.EngineRunning() {
		writeEmptyModelList(w)
		return
	}
	if !cfg.Local() && cfg.URL == "" {
		writeEmptyModelList(w)
		return
	}

	target := rt.targetBase(cfg)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target+"/v1/models", nil)
	if err != nil {
		writeEmptyModelList(w)
		return
	}
	if !cfg.Local() && cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := rt.list.Do(req)
	if err != nil {
		writeEmptyModelList(w)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		writeEmptyModelList(w)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, resp.Body)
}

// resolveTarget picks the upstream base URL, writing the 503 itself when the
// backend cannot serve.
func (rt *Router) resolveTarget(w http.ResponseWriter, cfg Config) (string, bool) {
	if cfg.Local() {
		if !rt.sup.EngineRunning() {
			writeError(w, http.StatusServiceUnavailable, "inference engine is not running")
			return "", false
		}
		return rt.sup.EngineURL(), true
	}
	if cfg.URL == "" {
		writeError(w, http.StatusServiceUnavailable, "no backend configured")
		return "", false
	}
	return rt.targetBase(cfg), true
}

func (rt *Router) targetBase(cfg Config) string {
	if cfg.Local() {
		return rt.sup.EngineURL()
	}
	return strings.TrimRight(cfg.URL, "/")
}

// streamCopy forwards the upstream body chunk by chunk, flushing after each
// write so streamed tokens reach the client immediately.
func streamCopy(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
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

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func writeEmptyModelList(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
