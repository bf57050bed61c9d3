// Package cluster composes the registry, planner, and supervisor into the
// "start inference on this model with these peers" operation.
package cluster

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/infra/sqlite"
	"github.com/sharedllm/sharedllm/internal/memory"
	"github.com/sharedllm/sharedllm/internal/planner"
	"github.com/sharedllm/sharedllm/internal/supervisor"
)

// MaxPeers bounds the number of peers a single request may name.
const MaxPeers = 20

const (
	defaultGPULayers = -1
	defaultCtxSize   = 4096
)

// Orchestrator resolves peer endpoints and drives the supervisor.
type Orchestrator struct {
	db        *sqlite.DB
	sup       *supervisor.Supervisor
	providers []memory.Provider
	log       *logrus.Logger
}

func New(db *sqlite.DB, sup *supervisor.Supervisor, providers []memory.Provider, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{db: db, sup: sup, providers: providers, log: log}
}

// StartInference validates the model, resolves the named peers to
// "ip:port" endpoints, and launches the engine. nGPULayers and ctxSize of
// zero-value pointers fall back to the defaults (-1: all layers, 4096 ctx).
func (o *Orchestrator) StartInference(modelPath string, deviceIDs []string, nGPULayers, ctxSize *int) (*domain.InferenceSession, error) {
	if err := planner.ValidateModelPath(modelPath); err != nil {
		return nil, err
	}
	if len(deviceIDs) > MaxPeers {
		return nil, fmt.Errorf("%w: %d devices requested, limit %d", domain.ErrTooManyPeers, len(deviceIDs), MaxPeers)
	}

	endpoints, err := o.resolveEndpoints(deviceIDs)
	if err != nil {
		return nil, err
	}

	layers := defaultGPULayers
	if nGPULayers != nil {
		layers = *nGPULayers
	}
	ctx := defaultCtxSize
	if ctxSize != nil {
		ctx = *ctxSize
	}

	return o.sup.StartEngine(modelPath, endpoints, layers, ctx)
}

// StopInference terminates the running engine, if any.
func (o *Orchestrator) StopInference() {
	o.sup.StopEngine()
}

// ModelCheck runs the fit planner against current local free memory and the
// named peers' last-observed free memory.
func (o *Orchestrator) ModelCheck(modelPath string, deviceIDs []string) (planner.Analysis, error) {
	if len(deviceIDs) > MaxPeers {
		return planner.Analysis{}, fmt.Errorf("%w: %d devices requested, limit %d",
			domain.ErrTooManyPeers, len(deviceIDs), MaxPeers)
	}

	var peerFree []int64
	for _, id := range deviceIDs {
		dev, err := o.db.GetDevice(id)
		if err != nil {
			return planner.Analysis{}, err
		}
		if dev == nil {
			return planner.Analysis{}, domain.ErrDeviceNotFound
		}
		peerFree = append(peerFree, dev.MemoryFreeMB)
	}

	localFree := memory.LocalFreeMB(o.providers)
	return planner.AnalyzeFile(modelPath, localFree, peerFree)
}

func (o *Orchestrator) resolveEndpoints(deviceIDs []string) ([]string, error) {
	var endpoints []string
	for _, id := range deviceIDs {
		dev, err := o.db.GetDevice(id)
		if err != nil {
			return nil, err
		}
		if dev == nil {
			return nil, domain.ErrDeviceNotFound
		}
		endpoints = append(endpoints, fmt.Sprintf("%s:%d", dev.IP, dev.AgentPort))
	}
	return endpoints, nil
}
