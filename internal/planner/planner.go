// Package planner decides whether a model file fits across the aggregated
// memory pool and computes the engine launch parameters. Everything here is
// pure computation over (model size, local free MB, peer free MB list); the
// only I/O is the optional file stat in AnalyzeFile.
package planner

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/sharedllm/sharedllm/internal/domain"
)

// Verdict is the planner's categorical judgment of a model against the pool.
type Verdict string

const (
	FitsLocally     Verdict = "fits_locally"
	FitsDistributed Verdict = "fits_distributed"
	PartialGPU      Verdict = "partial_gpu"
	TooLarge        Verdict = "too_large"
)

// Analysis is the full planner output: inputs, verdict, launch
// recommendations, and any warnings.
type Analysis struct {
	ModelPath        string   `json:"model_path"`
	ModelSizeMB      int64    `json:"model_size_mb"`
	LocalFreeMB      int64    `json:"local_free_mb"`
	ClusterFreeMB    int64    `json:"cluster_free_mb"`
	TotalAvailableMB int64    `json:"total_available_mb"`
	EstimatedLayers  int      `json:"estimated_layers"`
	Verdict          Verdict  `json:"verdict"`
	RecommendedGPU   int      `json:"recommended_n_gpu_layers"`
	RecommendedCtx   int      `json:"recommended_ctx_size"`
	Warnings         []string `json:"warnings"`
}

// forbiddenPrefixes are system directories a model path may never point into.
var forbiddenPrefixes = []string{
	"/etc/", "/proc/", "/sys/", "/dev/", "/boot/",
	"/run/", "/var/run/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/",
}

// ValidateModelPath rejects paths that are empty, relative, traverse upward,
// point into system directories, or are not .gguf files. The returned error
// never contains the path itself.
func ValidateModelPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: empty path", domain.ErrInvalidModelPath)
	case !filepath.IsAbs(path):
		return fmt.Errorf("%w: path must be absolute", domain.ErrInvalidModelPath)
	case strings.Contains(path, ".."):
		return fmt.Errorf("%w: path traversal not allowed", domain.ErrInvalidModelPath)
	case !strings.HasSuffix(strings.ToLower(path), ".gguf"):
		return fmt.Errorf("%w: only .gguf model files are supported", domain.ErrInvalidModelPath)
	}
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(path, prefix) {
			return fmt.Errorf("%w: path points into a protected directory", domain.ErrInvalidModelPath)
		}
	}
	return nil
}

// EstimateLayers guesses a model's decoder layer count from its file size.
// GGUF files don't require parsing for a usable estimate; common model
// families cluster tightly by size.
func EstimateLayers(sizeMB int64) int {
	switch {
	case sizeMB < 2048:
		return 22
	case sizeMB < 5120:
		return 32
	case sizeMB < 9216:
		return 40
	case sizeMB < 20480:
		return 48
	case sizeMB < 40960:
		return 64
	default:
		return 80
	}
}

// Analyze produces a fit verdict and launch recommendations for a model of
// the given size against the local and peer memory pool. Pure: identical
// inputs yield identical outputs.
func Analyze(modelPath string, sizeMB, localFreeMB int64, peerFreeMB []int64) Analysis {
	var clusterFree int64
	for _, mb := range peerFreeMB {
		clusterFree += mb
	}
	totalAvail := localFreeMB + clusterFree

	// Keep ~10% headroom for KV cache and runtime overhead.
	usableLocal := localFreeMB * 90 / 100
	usableTotal := totalAvail * 90 / 100

	layers := EstimateLayers(sizeMB)

	a := Analysis{
		ModelPath:        modelPath,
		ModelSizeMB:      sizeMB,
		LocalFreeMB:      localFreeMB,
		ClusterFreeMB:    clusterFree,
		TotalAvailableMB: totalAvail,
		EstimatedLayers:  layers,
		Warnings:         []string{},
	}

	switch {
	case sizeMB <= usableLocal:
		a.Verdict = FitsLocally
		a.RecommendedGPU = -1
	case sizeMB <= usableTotal && clusterFree > 0:
		a.Verdict = FitsDistributed
		a.RecommendedGPU = int(math.Round(float64(layers) * float64(localFreeMB) / float64(totalAvail)))
	case sizeMB <= totalAvail:
		a.Verdict = PartialGPU
		frac := float64(localFreeMB) / float64(sizeMB)
		if frac > 1 {
			frac = 1
		}
		a.RecommendedGPU = int(math.Round(float64(layers) * frac))
		if clusterFree == 0 {
			a.Warnings = append(a.Warnings,
				"model barely fits in local memory; add peer devices to improve throughput")
		} else {
			a.Warnings = append(a.Warnings,
				"model barely fits across the pool; expect reduced context and throughput")
		}
	default:
		a.Verdict = TooLarge
		a.RecommendedGPU = 0
		a.Warnings = append(a.Warnings, fmt.Sprintf(
			"model too large: ~%d GB needed but %d GB available across the pool",
			ceilGB(sizeMB), ceilGB(totalAvail)))
	}

	a.RecommendedCtx = recommendCtx(totalAvail - sizeMB)
	return a
}

// AnalyzeFile validates the path, determines the file size, and runs Analyze.
func AnalyzeFile(modelPath string, localFreeMB int64, peerFreeMB []int64) (Analysis, error) {
	if err := ValidateModelPath(modelPath); err != nil {
		return Analysis{}, err
	}
	info, err := os.Stat(modelPath)
	if err != nil || info.Size() == 0 {
		return Analysis{}, domain.ErrModelNotFound
	}
	sizeMB := info.Size() / (1024 * 1024)
	if sizeMB == 0 {
		return Analysis{}, domain.ErrModelNotFound
	}
	return Analyze(modelPath, sizeMB, localFreeMB, peerFreeMB), nil
}

// recommendCtx picks a context size from the memory left after loading the
// model. Saturates at zero remaining.
func recommendCtx(remainingMB int64) int {
	if remainingMB < 0 {
		remainingMB = 0
	}
	switch {
	case remainingMB < 1024:
		return 2048
	case remainingMB < 2048:
		return 4096
	case remainingMB < 4096:
		return 8192
	default:
		return 16384
	}
}

func ceilGB(mb int64) int64 {
	return (mb + 1023) / 1024
}
