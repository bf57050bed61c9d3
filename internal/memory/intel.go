package memory

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/elastic/go-sysinfo"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// intelProvider covers Intel integrated GPUs. The iGPU shares system RAM
// and exposes no precise usage counter, so half the physical RAM is
// reported as the pool and usage is attributed proportionally from
// system-wide pressure.
type intelProvider struct {
	name    string
	totalMB int64
}

func detectIntel() Provider {
	if runtime.GOOS != "linux" {
		return nil
	}
	entries, err := os.ReadDir("/sys/class/drm")
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		link, err := os.Readlink(filepath.Join("/sys/class/drm", entry.Name(), "device", "driver"))
		if err != nil {
			continue
		}
		if !strings.Contains(link, "i915") && !strings.Contains(link, "xe") {
			continue
		}
		host, err := sysinfo.Host()
		if err != nil {
			return nil
		}
		mem, err := host.Memory()
		if err != nil || mem.Total == 0 {
			return nil
		}
		return &intelProvider{
			name:    "Intel Integrated GPU",
			totalMB: int64(mem.Total) / (1024 * 1024) / 2,
		}
	}
	return nil
}

func (p *intelProvider) ID() string                { return "intel" }
func (p *intelProvider) Name() string              { return p.name }
func (p *intelProvider) Kind() domain.ProviderKind { return domain.KindIntel }

func (p *intelProvider) Snapshot() (total, used, free int64, ok bool) {
	used = p.queryUsedMB()
	if used > p.totalMB {
		used = p.totalMB
	}
	return p.totalMB, used, p.totalMB - used, true
}

// queryUsedMB estimates iGPU-pool usage as the pool's proportional share of
// system-wide memory pressure, read from /proc/meminfo.
func (p *intelProvider) queryUsedMB() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var totalKB, availKB int64
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = meminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = meminfoKB(line)
		}
	}
	if totalKB == 0 {
		return 0
	}
	systemUsedMB := (totalKB - availKB) / 1024
	return systemUsedMB * p.totalMB / (totalKB / 1024)
}

func meminfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
