package memory

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// appleProvider reports Apple Silicon unified memory. Detection is sysctl
// based and only activates on ARM Macs; Intel Macs fall through to the
// Intel and system-RAM providers.
type appleProvider struct {
	name    string
	totalMB int64
}

func detectApple() Provider {
	if runtime.GOOS != "darwin" {
		return nil
	}

	brand := sysctlString("machdep.cpu.brand_string")
	if brand != "" {
		if !strings.HasPrefix(brand, "Apple") {
			return nil
		}
	} else {
		// Key absent on some ARM configurations; confirm via the CPU type.
		// 16777228 == CPU_TYPE_ARM64.
		if sysctlString("hw.cputype") != "16777228" {
			return nil
		}
	}

	totalBytes, err := strconv.ParseInt(sysctlString("hw.memsize"), 10, 64)
	if err != nil || totalBytes == 0 {
		return nil
	}

	model := sysctlString("hw.model")
	return &appleProvider{
		name:    "Apple Silicon (" + model + ") Unified Memory",
		totalMB: totalBytes / (1024 * 1024),
	}
}

func (p *appleProvider) ID() string                { return "apple" }
func (p *appleProvider) Name() string              { return p.name }
func (p *appleProvider) Kind() domain.ProviderKind { return domain.KindApple }

func (p *appleProvider) Snapshot() (total, used, free int64, ok bool) {
	used = p.queryUsedMB()
	free = p.totalMB - used
	if free < 0 {
		free = 0
	}
	return p.totalMB, used, free, true
}

// queryUsedMB derives used memory from vm_stat: wired + active + compressor
// pages, at the page size announced in the header line.
func (p *appleProvider) queryUsedMB() int64 {
	out, err := exec.Command("vm_stat").Output()
	if err != nil {
		return 0
	}
	s := string(out)

	pageSize := int64(16384)
	if header, _, found := strings.Cut(s, "\n"); found {
		if idx := strings.Index(header, "page size of "); idx >= 0 {
			rest := header[idx+len("page size of "):]
			if n, _, ok := strings.Cut(rest, " "); ok {
				if v, err := strconv.ParseInt(n, 10, 64); err == nil {
					pageSize = v
				}
			}
		}
	}

	var wired, active, compressor int64
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Pages wired down:"):
			wired = vmStatPages(line)
		case strings.HasPrefix(line, "Pages active:"):
			active = vmStatPages(line)
		case strings.HasPrefix(line, "Pages occupied by compressor:"):
			compressor = vmStatPages(line)
		}
	}
	return (wired + active + compressor) * pageSize / (1024 * 1024)
}

func vmStatPages(line string) int64 {
	_, value, found := strings.Cut(line, ":")
	if !found {
		return 0
	}
	value = strings.ReplaceAll(strings.TrimSuffix(strings.TrimSpace(value), "."), ",", "")
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func sysctlString(key string) string {
	out, err := exec.Command("sysctl", "-n", key).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
