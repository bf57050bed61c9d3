package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/api"
	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/cluster"
	"github.com/sharedllm/sharedllm/internal/discovery"
	_ "github.com/sharedllm/sharedllm/internal/infra/metrics" // register Prometheus metrics
	"github.com/sharedllm/sharedllm/internal/infra/sqlite"
	"github.com/sharedllm/sharedllm/internal/memory"
	"github.com/sharedllm/sharedllm/internal/ollama"
	"github.com/sharedllm/sharedllm/internal/registry"
	"github.com/sharedllm/sharedllm/internal/router"
	"github.com/sharedllm/sharedllm/internal/supervisor"
)

// Daemon is the controller runtime. It wires together all services.
type Daemon struct {
	Config       Config
	DB           *sqlite.DB
	Bus          *bus.Bus
	Registry     *registry.Registry
	Supervisor   *supervisor.Supervisor
	Orchestrator *cluster.Orchestrator
	Router       *router.Router
	Ollama       *ollama.Manager
	Server       *api.Server
	Providers    []memory.Provider
	Log          *logrus.Logger

	cancel context.CancelFunc
}

// New creates a Daemon from the on-disk configuration.
func New(version string) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, version)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, version string) (*Daemon, error) {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}

	db, err := sqlite.Open(Home())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	b := bus.New()
	providers := memory.Detect()
	log.WithField("providers", len(providers)).Info("memory providers detected")

	sup := supervisor.New(cfg.Cluster.AgentPort, cfg.Cluster.EnginePort, b, log)
	reg := registry.New(db, b, log)
	orch := cluster.New(db, sup, providers, log)
	proxy := router.New(db, sup, log)

	ollamaHost, _, _ := db.GetSetting("ollama_host")
	om := ollama.NewManager(ollamaHost, b, log)

	srv := api.NewServer(db, b, reg, orch, sup, proxy, om, providers, log, version)

	return &Daemon{
		Config:       cfg,
		DB:           db,
		Bus:          b,
		Registry:     reg,
		Supervisor:   sup,
		Orchestrator: orch,
		Router:       proxy,
		Ollama:       om,
		Server:       srv,
		Providers:    providers,
		Log:          log,
	}, nil
}

// Serve starts every background service and the HTTP server, blocking until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go memory.NewPoller(d.Providers, d.Bus).Run(ctx)
	go d.Supervisor.Run(ctx)

	if d.settingEnabled("mdns_enabled", true) {
		adv, err := discovery.Advertise(d.Config.API.Port, d.Log)
		if err != nil {
			d.Log.WithError(err).Warn("mdns advertise failed")
		} else {
			defer adv.Shutdown()
		}
		go discovery.NewBrowser(d.Bus, d.Log).Run(ctx)
		go discovery.NewRegistrar(d.Bus, d.Registry, d.Log).Run(ctx)
	}

	if d.settingEnabled("auto_start_ollama", false) {
		if err := d.Ollama.EnsureRunning(ctx); err != nil {
			d.Log.WithError(err).Warn("ollama auto-start failed")
		}
		go d.Ollama.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming completions and the websocket are long-lived
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		d.Bus.Close()
		_ = d.DB.Close()
	}()

	d.Log.WithField("addr", addr).Info("controller serving")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.Supervisor.StopEngine()
	d.Supervisor.StopAgent()
	d.Ollama.Stop()
	d.Bus.Close()
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// settingEnabled reads a boolean setting, falling back when unset.
func (d *Daemon) settingEnabled(key string, fallback bool) bool {
	v, ok, err := d.DB.GetSetting(key)
	if err != nil || !ok || v == "" {
		return fallback
	}
	return v == "true"
}
