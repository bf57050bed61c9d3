package memory

import (
	"context"
	"time"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/infra/metrics"
)

const pollInterval = 3 * time.Second

// Poller periodically samples every provider and broadcasts the aggregate
// as a memory_stats event.
type Poller struct {
	providers []Provider
	bus       *bus.Bus
}

func NewPoller(providers []Provider, b *bus.Bus) *Poller {
	return &Poller{providers: providers, bus: b}
}

// Run ticks until ctx is cancelled. Provider probes shell out to vendor
// tools, so each tick runs the sampling in its own goroutine and publishes
// when done rather than holding up the ticker.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := make(chan struct{})
			go func() {
				snaps := Aggregate(p.providers)
				for _, s := range snaps {
					metrics.MemoryFreeMB.WithLabelValues(s.ProviderID).Set(float64(s.FreeMB))
					metrics.MemoryTotalMB.WithLabelValues(s.ProviderID).Set(float64(s.TotalMB))
				}
				p.bus.Publish(bus.MemoryStats{Snapshots: snaps})
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}
}
