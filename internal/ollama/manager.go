// Package ollama manages a local Ollama instance: health checking, starting
// it on demand, restarting it when it goes down, and proxying model
// management calls.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
)

// DefaultHost is where Ollama listens unless the ollama_host setting
// overrides it.
const DefaultHost = "http://127.0.0.1:11434"

const (
	healthTimeout  = 3 * time.Second
	healthInterval = 10 * time.Second
	startupWait    = 10 * time.Second
)

// Model is one locally available Ollama model.
type Model struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
	ModifiedAt string `json:"modified_at"`
}

// Manager supervises one Ollama instance. If Ollama is already running
// externally the manager only monitors it; otherwise it spawns `ollama
// serve` and owns the child.
type Manager struct {
	host string
	bus  *bus.Bus
	log  *logrus.Logger

	client *http.Client

	mu      sync.Mutex
	child   *exec.Cmd
	running bool
}

func NewManager(host string, b *bus.Bus, log *logrus.Logger) *Manager {
	if host == "" {
		host = DefaultHost
	}
	return &Manager{
		host:   host,
		bus:    b,
		log:    log,
		client: &http.Client{},
	}
}

// Host returns the Ollama base URL.
func (m *Manager) Host() string { return m.host }

// Healthy reports whether the Ollama HTTP API answers.
func (m *Manager) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EnsureRunning makes sure an Ollama instance answers: a reachable external
// instance is adopted as-is, otherwise `ollama serve` is spawned and given
// ten seconds to come up.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	if m.Healthy(ctx) {
		m.log.WithField("host", m.host).Info("ollama already running")
		m.setRunning(true)
		return nil
	}

	path, err := exec.LookPath("ollama")
	if err != nil {
		return fmt.Errorf("ollama binary not found in PATH (install from https://ollama.ai)")
	}

	m.log.WithField("path", path).Info("starting ollama")
	cmd := exec.Command(path, "serve")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ollama: %w", err)
	}
	m.mu.Lock()
	m.child = cmd
	m.mu.Unlock()
	go cmd.Wait()

	deadline := time.Now().Add(startupWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		if m.Healthy(ctx) {
			m.log.Info("ollama started")
			m.setRunning(true)
			return nil
		}
	}

	m.mu.Lock()
	if m.child != nil && m.child.Process != nil {
		m.child.Process.Kill()
	}
	m.child = nil
	m.mu.Unlock()
	return fmt.Errorf("ollama failed to start within %s", startupWait)
}

// Stop kills the Ollama child if this manager spawned one.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.child != nil && m.child.Process != nil {
		m.log.Info("stopping ollama")
		m.child.Process.Kill()
	}
	m.child = nil
	m.running = false
}

// Run is the watchdog loop: every 10 seconds it health-checks Ollama and
// restarts it when a previously healthy instance goes down. State changes
// are broadcast as ollama_status events.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			healthy := m.Healthy(ctx)
			if healthy == m.isRunning() {
				continue
			}
			if healthy {
				m.setRunning(true)
				m.bus.Publish(bus.OllamaStatus{Running: true, Host: m.host})
				continue
			}
			m.setRunning(false)
			m.bus.Publish(bus.OllamaStatus{Running: false, Host: m.host})
			m.log.Warn("ollama went down, attempting restart")
			if err := m.EnsureRunning(ctx); err != nil {
				m.log.WithError(err).Error("ollama restart failed")
			} else {
				m.bus.Publish(bus.OllamaStatus{Running: true, Host: m.host})
			}
		}
	}
}

// ListModels returns the locally available models.
func (m *Manager) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama list: HTTP %d", resp.StatusCode)
	}
	var body struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Models, nil
}

// PullModel starts a streaming model pull. The caller consumes and closes
// the response.
func (m *Manager) PullModel(ctx context.Context, name string) (*http.Response, error) {
	payload, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.host+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.client.Do(req)
}

// DeleteModel removes a local model.
func (m *Manager) DeleteModel(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.host+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama delete: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) setRunning(v bool) {
	m.mu.Lock()
	m.running = v
	m.mu.Unlock()
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
