// Package supervisor owns the lifecycle of the two external inference
// binaries: the rpc agent that contributes this machine's memory to the
// cluster, and the engine that runs inference against the pool. It reclaims
// ports before binding, detects child exits, and keeps the published state
// consistent with reality through a watchdog.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/infra/metrics"
)

const (
	agentBinary     = "llama-rpc-server"
	engineBinary    = "llama-server"
	engineAltBinary = "llama-cli"

	// Passed for --n-gpu-layers when the caller asks for "all layers";
	// the engine clamps it to the model's actual layer count.
	allLayersSentinel = 999

	portReleaseWait   = 400 * time.Millisecond
	immediateExitWait = 700 * time.Millisecond
	watchdogInterval  = 5 * time.Second
	healthTimeout     = 3 * time.Second
)

// child is one supervised process. exited is closed by the Wait goroutine,
// making liveness checkable without blocking.
type child struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func (c *child) done() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

func (c *child) exitCode() int {
	if c.cmd.ProcessState != nil {
		return c.cmd.ProcessState.ExitCode()
	}
	return -1
}

// Status is an immutable snapshot of supervisor state. Child handles are
// never exposed.
type Status struct {
	AgentRunning  bool                     `json:"rpc_server_running"`
	EngineRunning bool                     `json:"inference_running"`
	AgentBin      bool                     `json:"rpc_server_bin"`
	EngineBin     bool                     `json:"inference_server_bin"`
	AgentPort     int                      `json:"rpc_port"`
	EnginePort    int                      `json:"inference_port"`
	Session       *domain.InferenceSession `json:"current_session"`
}

// Supervisor manages the agent and engine child processes.
type Supervisor struct {
	mu            sync.Mutex
	agent         *child
	agentStarting bool
	engine        *child
	session       *domain.InferenceSession

	agentPort  int
	enginePort int
	bus        *bus.Bus
	log        *logrus.Logger
	client     *http.Client
}

func New(agentPort, enginePort int, b *bus.Bus, log *logrus.Logger) *Supervisor {
	return &Supervisor{
		agentPort:  agentPort,
		enginePort: enginePort,
		bus:        b,
		log:        log,
		client:     &http.Client{Timeout: healthTimeout},
	}
}

// FindBinary locates an external binary: PATH first, then ~/.sharedmem/bin/.
func FindBinary(name string) (string, error) {
	exe := name
	if runtime.GOOS == "windows" {
		exe = name + ".exe"
	}
	if path, err := exec.LookPath(exe); err == nil {
		return path, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".sharedmem", "bin", exe)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s (install llama.cpp and add it to PATH, or place it in ~/.sharedmem/bin/)",
		domain.ErrBinaryNotFound, name)
}

func findEngineBinary() (string, error) {
	if path, err := FindBinary(engineBinary); err == nil {
		return path, nil
	}
	return FindBinary(engineAltBinary)
}

// ─── Agent ──────────────────────────────────────────────────────────────────

// StartAgent launches the rpc agent bound to 0.0.0.0:agentPort. A no-op if
// the agent is already running. Returns ErrImmediateExit when the child dies
// within the startup grace window, which usually means the port is still
// held or the binary is misconfigured.
func (s *Supervisor) StartAgent() error {
	binary, err := FindBinary(agentBinary)
	if err != nil {
		return err
	}

	// The startup path sleeps for over a second; the mutex guards only the
	// slot reservation and the final commit so status queries and the
	// watchdog stay responsive.
	s.mu.Lock()
	if s.agent != nil && !s.agent.done() {
		s.mu.Unlock()
		s.log.Debug("rpc agent already running")
		return nil
	}
	if s.agentStarting {
		s.mu.Unlock()
		s.log.Debug("rpc agent start already in progress")
		return nil
	}
	s.agentStarting = true
	s.agent = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.agentStarting = false
		s.mu.Unlock()
	}()

	// Crashed prior instances commonly still hold the port.
	reclaimPort(s.agentPort)
	time.Sleep(portReleaseWait)

	s.log.WithField("port", s.agentPort).Info("starting rpc agent")
	c, err := spawn(binary, "--host", "0.0.0.0", "--port", strconv.Itoa(s.agentPort))
	if err != nil {
		return fmt.Errorf("spawn rpc agent: %w", err)
	}

	time.Sleep(immediateExitWait)
	if c.done() {
		return fmt.Errorf("%w: rpc agent exited with code %d (port in use or misconfigured)",
			domain.ErrImmediateExit, c.exitCode())
	}

	s.mu.Lock()
	s.agent = c
	s.mu.Unlock()
	metrics.ChildStarts.WithLabelValues("agent").Inc()
	s.bus.Publish(bus.RPCServerReady{Port: s.agentPort})
	return nil
}

// StopAgent kills the agent if running and emits rpc_server_offline.
func (s *Supervisor) StopAgent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil {
		return
	}
	kill(s.agent)
	s.agent = nil
	s.log.Info("rpc agent stopped")
	s.bus.Publish(bus.RPCServerOffline{})
}

// ─── Engine ─────────────────────────────────────────────────────────────────

// StartEngine launches the inference engine for modelPath, wired to the
// given peer endpoints ("ip:port" strings). Any running engine is killed
// first and its session closed. The caller validates the model path.
func (s *Supervisor) StartEngine(modelPath string, peerEndpoints []string, nGPULayers, ctxSize int) (*domain.InferenceSession, error) {
	binary, err := findEngineBinary()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine != nil {
		kill(s.engine)
		s.engine = nil
	}
	if s.session != nil {
		s.bus.Publish(bus.InferenceStopped{SessionID: s.session.ID})
		s.session = nil
	}

	args := []string{
		"-m", modelPath,
		"--port", strconv.Itoa(s.enginePort),
		"--host", "0.0.0.0",
		"--ctx-size", strconv.Itoa(ctxSize),
	}
	switch {
	case nGPULayers < 0:
		args = append(args, "--n-gpu-layers", strconv.Itoa(allLayersSentinel))
	case nGPULayers > 0:
		args = append(args, "--n-gpu-layers", strconv.Itoa(nGPULayers))
	}
	if len(peerEndpoints) > 0 {
		args = append(args, "--rpc", strings.Join(peerEndpoints, ","))
	}

	s.log.WithFields(logrus.Fields{
		"model": filepath.Base(modelPath),
		"peers": len(peerEndpoints),
		"port":  s.enginePort,
	}).Info("starting inference engine")

	c, err := spawn(binary, args...)
	if err != nil {
		return nil, fmt.Errorf("spawn engine: %w", err)
	}

	session := &domain.InferenceSession{
		ID:         uuid.New().String(),
		ModelPath:  modelPath,
		Status:     domain.SessionStarting,
		RPCDevices: peerEndpoints,
		StartedAt:  time.Now().UTC(),
	}
	s.engine = c
	s.session = session
	metrics.ChildStarts.WithLabelValues("engine").Inc()
	metrics.InferenceSessions.Inc()

	s.bus.Publish(bus.InferenceStarted{
		SessionID: session.ID,
		Model:     modelPath,
		Devices:   peerEndpoints,
	})
	return snapshotSession(session), nil
}

// StopEngine kills the engine if running and closes the current session.
func (s *Supervisor) StopEngine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		kill(s.engine)
		s.engine = nil
		s.log.Info("inference engine stopped")
	}
	if s.session != nil {
		s.bus.Publish(bus.InferenceStopped{SessionID: s.session.ID})
		s.session = nil
	}
}

// EngineRunning reports whether the engine child is alive after a reap.
func (s *Supervisor) EngineRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	return s.engine != nil
}

// Session returns a copy of the current session, or nil.
func (s *Supervisor) Session() *domain.InferenceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	return snapshotSession(s.session)
}

// EngineURL is the base URL of the local engine's HTTP API.
func (s *Supervisor) EngineURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.enginePort)
}

// EngineHealthy polls the engine's /health endpoint; true iff 2xx.
func (s *Supervisor) EngineHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.EngineURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Status returns a post-reap snapshot of both children.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()

	_, agentErr := FindBinary(agentBinary)
	_, engineErr := findEngineBinary()
	return Status{
		AgentRunning:  s.agent != nil,
		EngineRunning: s.engine != nil,
		AgentBin:      agentErr == nil,
		EngineBin:     engineErr == nil,
		AgentPort:     s.agentPort,
		EnginePort:    s.enginePort,
		Session:       snapshotSession(s.session),
	}
}

// Run drives the watchdog until ctx is cancelled, then stops both children.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.StopEngine()
			s.StopAgent()
			return
		case <-ticker.C:
			s.mu.Lock()
			s.reapLocked()
			s.mu.Unlock()
		}
	}
}

// reapLocked clears handles for exited children and emits the matching
// offline events. Callers hold s.mu.
func (s *Supervisor) reapLocked() {
	if s.agent != nil && s.agent.done() {
		s.log.WithField("code", s.agent.exitCode()).Warn("rpc agent exited")
		s.agent = nil
		metrics.ChildExits.WithLabelValues("agent").Inc()
		s.bus.Publish(bus.RPCServerOffline{})
	}
	if s.engine != nil && s.engine.done() {
		s.log.WithField("code", s.engine.exitCode()).Warn("inference engine exited")
		s.engine = nil
		metrics.ChildExits.WithLabelValues("engine").Inc()
		if s.session != nil {
			s.bus.Publish(bus.InferenceStopped{SessionID: s.session.ID})
			s.session = nil
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func spawn(binary string, args ...string) (*child, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := &child{cmd: cmd, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(c.exited)
	}()
	return c, nil
}

func kill(c *child) {
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	select {
	case <-c.exited:
	case <-time.After(5 * time.Second):
	}
}

func snapshotSession(s *domain.InferenceSession) *domain.InferenceSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.RPCDevices = append([]string(nil), s.RPCDevices...)
	return &cp
}
