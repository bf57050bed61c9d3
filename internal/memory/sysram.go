package memory

import (
	"github.com/elastic/go-sysinfo"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// sysRAMProvider is the always-available fallback: plain system RAM.
type sysRAMProvider struct{}

func newSystemRAM() Provider { return sysRAMProvider{} }

func (sysRAMProvider) ID() string                { return "system_ram" }
func (sysRAMProvider) Name() string              { return "System RAM" }
func (sysRAMProvider) Kind() domain.ProviderKind { return domain.KindSystemRAM }

func (sysRAMProvider) Snapshot() (total, used, free int64, ok bool) {
	host, err := sysinfo.Host()
	if err != nil {
		return 0, 0, 0, false
	}
	mem, err := host.Memory()
	if err != nil || mem.Total == 0 {
		return 0, 0, 0, false
	}
	total = int64(mem.Total) / (1024 * 1024)
	free = int64(mem.Available) / (1024 * 1024)
	if free > total {
		free = total
	}
	return total, total - free, free, true
}
