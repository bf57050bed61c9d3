package memory

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// nvidiaProvider reports NVIDIA VRAM via the nvidia-smi CLI.
type nvidiaProvider struct {
	name    string
	totalMB int64
}

func detectNvidia() Provider {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	name, totalStr, found := strings.Cut(line, ",")
	if !found {
		return nil
	}
	total, err := strconv.ParseInt(strings.TrimSpace(totalStr), 10, 64)
	if err != nil || total == 0 {
		return nil
	}
	return &nvidiaProvider{name: strings.TrimSpace(name), totalMB: total}
}

func (p *nvidiaProvider) ID() string                { return "nvidia" }
func (p *nvidiaProvider) Name() string              { return p.name }
func (p *nvidiaProvider) Kind() domain.ProviderKind { return domain.KindNvidia }

func (p *nvidiaProvider) Snapshot() (total, used, free int64, ok bool) {
	used = p.queryUsedMB()
	free = p.totalMB - used
	if free < 0 {
		free = 0
	}
	return p.totalMB, used, free, true
}

func (p *nvidiaProvider) queryUsedMB() int64 {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=memory.used", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	used, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0
	}
	return used
}
