// Package memory samples accelerator and system memory on the host and
// aggregates the per-provider snapshots into the pool view the fit planner
// consumes. Provider probes may shell out to vendor tools (nvidia-smi,
// rocm-smi, vm_stat); callers run them off the request path.
package memory

import (
	"github.com/sharedllm/sharedllm/internal/domain"
)

// Provider is one local source of accelerator or system memory.
type Provider interface {
	// ID is a stable identifier, e.g. "nvidia".
	ID() string
	// Name is a human-readable label, e.g. the GPU model string.
	Name() string
	Kind() domain.ProviderKind
	// Snapshot returns (totalMB, usedMB, freeMB). ok is false when the
	// provider cannot currently be sampled.
	Snapshot() (total, used, free int64, ok bool)
}

// Detect probes the machine for every available provider. Runs once at
// startup; blocking subprocess calls are fine here.
func Detect() []Provider {
	var providers []Provider
	appleSilicon := false

	if p := detectNvidia(); p != nil {
		providers = append(providers, p)
	}
	if p := detectAMD(); p != nil {
		providers = append(providers, p)
	}
	if p := detectApple(); p != nil {
		appleSilicon = true
		providers = append(providers, p)
	}
	if p := detectIntel(); p != nil {
		providers = append(providers, p)
	}

	// On Apple Silicon the unified-memory provider already covers system
	// RAM; everywhere else system RAM is the always-available fallback.
	if !appleSilicon {
		providers = append(providers, newSystemRAM())
	}
	return providers
}

// Aggregate samples every provider and returns their snapshots. AllocatedMB
// is left zero; attribution happens at read time via AttributeAllocations.
func Aggregate(providers []Provider) []domain.MemorySnapshot {
	var snaps []domain.MemorySnapshot
	for _, p := range providers {
		total, used, free, ok := p.Snapshot()
		if !ok {
			continue
		}
		snaps = append(snaps, domain.MemorySnapshot{
			ProviderID: p.ID(),
			Name:       p.Name(),
			Kind:       p.Kind(),
			TotalMB:    total,
			UsedMB:     used,
			FreeMB:     free,
		})
	}
	return snaps
}

// LocalFreeMB sums free memory over all providers. This is the single
// "local free" figure the fit planner consumes.
func LocalFreeMB(providers []Provider) int64 {
	var sum int64
	for _, p := range providers {
		if _, _, free, ok := p.Snapshot(); ok {
			sum += free
		}
	}
	return sum
}

// AttributeAllocations distributes the cluster-wide allocated MB across the
// snapshots proportionally to each provider's total. The last provider
// absorbs the rounding residue, and no provider is attributed more than its
// own total.
func AttributeAllocations(snaps []domain.MemorySnapshot, allocatedMB int64) {
	if allocatedMB <= 0 || len(snaps) == 0 {
		return
	}
	var totalMB int64
	for _, s := range snaps {
		totalMB += s.TotalMB
	}
	if totalMB == 0 {
		return
	}

	var distributed int64
	for i := range snaps {
		var share int64
		if i == len(snaps)-1 {
			share = allocatedMB - distributed
		} else {
			share = allocatedMB * snaps[i].TotalMB / totalMB
		}
		if share > snaps[i].TotalMB {
			share = snaps[i].TotalMB
		}
		if share < 0 {
			share = 0
		}
		snaps[i].AllocatedMB = share
		distributed += share
	}
}
