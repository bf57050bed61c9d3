package memory

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// amdProvider reports AMD VRAM via rocm-smi, with a sysfs fallback for
// amdgpu cards without the ROCm stack installed.
type amdProvider struct {
	name    string
	totalMB int64
}

func detectAMD() Provider {
	if total := rocmTotalBytes(); total > 0 {
		return &amdProvider{name: "AMD GPU (ROCm)", totalMB: total / (1024 * 1024)}
	}
	if total := sysfsVRAMBytes("mem_info_vram_total"); total > 0 {
		return &amdProvider{name: "AMD GPU (sysfs)", totalMB: total / (1024 * 1024)}
	}
	return nil
}

func (p *amdProvider) ID() string                { return "amd" }
func (p *amdProvider) Name() string              { return p.name }
func (p *amdProvider) Kind() domain.ProviderKind { return domain.KindAMD }

func (p *amdProvider) Snapshot() (total, used, free int64, ok bool) {
	used = p.queryUsedMB()
	free = p.totalMB - used
	if free < 0 {
		free = 0
	}
	return p.totalMB, used, free, true
}

func (p *amdProvider) queryUsedMB() int64 {
	out, err := exec.Command("rocm-smi", "--showmeminfo", "vram", "--json").Output()
	if err == nil {
		var cards map[string]map[string]string
		if json.Unmarshal(out, &cards) == nil {
			for _, card := range cards {
				if s, exists := card["VRAM Total Used Memory (B)"]; exists {
					if b, err := strconv.ParseInt(s, 10, 64); err == nil {
						return b / (1024 * 1024)
					}
				}
			}
		}
	}
	if b := sysfsVRAMBytes("mem_info_vram_used"); b > 0 {
		return b / (1024 * 1024)
	}
	return 0
}

// rocmTotalBytes parses rocm-smi's JSON output, shaped as
// {"card0": {"VRAM Total Memory (B)": "...", ...}}.
func rocmTotalBytes() int64 {
	out, err := exec.Command("rocm-smi", "--showmeminfo", "vram", "--json").Output()
	if err != nil {
		return 0
	}
	var cards map[string]map[string]string
	if json.Unmarshal(out, &cards) != nil {
		return 0
	}
	for _, card := range cards {
		if s, exists := card["VRAM Total Memory (B)"]; exists {
			if b, err := strconv.ParseInt(s, 10, 64); err == nil && b > 0 {
				return b
			}
		}
	}
	return 0
}

// sysfsVRAMBytes scans /sys/class/drm for the named amdgpu memory file.
func sysfsVRAMBytes(file string) int64 {
	entries, err := os.ReadDir("/sys/class/drm")
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		path := filepath.Join("/sys/class/drm", entry.Name(), "device", file)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if b, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && b > 0 {
			return b
		}
	}
	return 0
}
