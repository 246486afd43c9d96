package runtime

import (
	"strconv"
	"strings"

	"github.com/kvsovanreach/mind-llm/internal/config"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// EngineSettings are the resolved engine tunables for one deployment.
type EngineSettings struct {
	GPUMemoryUtilization float64
	MaxModelLen          int
	MaxNumSeqs           int
	Quantization         string
	Type                 types.ModelType
}

// ResolveSettings merges the deploy spec with catalog recommendations and
// falls back to heuristics keyed on quantization, model type and size.
func ResolveSettings(spec types.ModelSpec, catalogEntry *types.PredefinedModel) EngineSettings {
	set := EngineSettings{
		GPUMemoryUtilization: spec.GPUMemoryUtilization,
		MaxModelLen:          spec.MaxModelLen,
		MaxNumSeqs:           spec.MaxNumSeqs,
		Quantization:         spec.Quantization,
		Type:                 spec.Type,
	}

	if catalogEntry != nil {
		rec := catalogEntry.RecommendedSettings
		if set.GPUMemoryUtilization == 0 && rec.GPUMemoryUtilization > 0 {
			set.GPUMemoryUtilization = rec.GPUMemoryUtilization
		}
		if set.MaxModelLen == 0 && catalogEntry.MaxModelLen > 0 {
			set.MaxModelLen = catalogEntry.MaxModelLen
		}
		if set.MaxNumSeqs == 0 && rec.MaxNumSeqs > 0 {
			set.MaxNumSeqs = rec.MaxNumSeqs
		}
		if set.Quantization == "" && catalogEntry.Quantization != "" {
			set.Quantization = catalogEntry.Quantization
		}
	}

	name := strings.ToLower(spec.Name)
	switch {
	case set.Quantization == "awq" || set.Quantization == "gptq":
		applyDefaults(&set, 0.25, 2048, 256)
	case spec.Type == types.ModelTypeEmbedding:
		applyDefaults(&set, config.EmbeddingGPUMemoryUtilization, config.EmbeddingMaxModelLen, config.EmbeddingMaxNumSeqs)
	case strings.Contains(name, "7b"):
		applyDefaults(&set, 0.5, config.DefaultMaxModelLen, 128)
	case strings.Contains(name, "13b"):
		applyDefaults(&set, 0.7, config.DefaultMaxModelLen, 64)
	default:
		applyDefaults(&set, config.DefaultGPUMemoryUtilization, config.DefaultMaxModelLen, config.DefaultMaxNumSeqs)
	}
	return set
}

func applyDefaults(set *EngineSettings, util float64, maxLen, maxSeqs int) {
	if set.GPUMemoryUtilization == 0 {
		set.GPUMemoryUtilization = util
	}
	if set.MaxModelLen == 0 {
		set.MaxModelLen = maxLen
	}
	if set.MaxNumSeqs == 0 {
		set.MaxNumSeqs = maxSeqs
	}
}

// BuildEngineArgs builds the vLLM server argv for a deployment. The model is
// served under its abbr so the public id matches the routing slug.
func BuildEngineArgs(spec types.ModelSpec, set EngineSettings, port int, downloadDir string) []string {
	args := []string{
		"--model", spec.Name,
		"--served-model-name", spec.Abbr,
		"--max-model-len", strconv.Itoa(set.MaxModelLen),
		"--gpu-memory-utilization", strconv.FormatFloat(set.GPUMemoryUtilization, 'f', -1, 64),
		"--max-num-seqs", strconv.Itoa(set.MaxNumSeqs),
		"--port", strconv.Itoa(port),
		"--host", "0.0.0.0",
		"--download-dir", downloadDir,
	}
	if q := set.Quantization; q != "" && q != "none" {
		args = append(args, "--quantization", q)
	}

	// Eager mode trades throughput for much faster cold starts on small or
	// quantized models.
	name := strings.ToLower(spec.Name)
	eager := set.Quantization == "awq" || set.Quantization == "gptq" ||
		strings.Contains(name, "1.5b")
	// "3b" only counts as a size when no digit precedes it (not 13b, 33b).
	if i := strings.Index(name, "3b"); i >= 0 && (i == 0 || name[i-1] < '0' || name[i-1] > '9') {
		eager = true
	}
	if eager {
		args = append(args, "--enforce-eager")
	}
	if spec.Type == types.ModelTypeLLM && !eager {
		args = append(args, "--enable-prefix-caching", "--enable-chunked-prefill")
	}
	return args
}

// BuildContainerSpec assembles the full container spec for one deployment.
func BuildContainerSpec(spec types.ModelSpec, set EngineSettings, gpuDevice, hostPort int, cfg config.Settings) ContainerSpec {
	env := []string{
		"NVIDIA_VISIBLE_DEVICES=" + strconv.Itoa(gpuDevice),
		"CUDA_VISIBLE_DEVICES=" + strconv.Itoa(gpuDevice),
	}
	if cfg.HFToken != "" {
		env = append(env, "HF_TOKEN="+cfg.HFToken)
	}
	return ContainerSpec{
		Image:      config.EngineImage,
		Name:       config.ContainerPrefix + spec.Abbr,
		Env:        env,
		Args:       BuildEngineArgs(spec, set, config.EnginePort, cfg.HFCacheDir),
		Network:    config.NetworkName,
		EnginePort: config.EnginePort,
		HostPort:   hostPort,
		GPUDevice:  gpuDevice,
		Volumes: map[string]string{
			cfg.HostModelsDir: cfg.ModelsDir,
			cfg.HostCacheDir:  "/root/.cache",
		},
		Labels: map[string]string{
			"model.abbr": spec.Abbr,
			"model.name": spec.Name,
			"model.type": string(spec.Type),
			"model.gpu":  strconv.Itoa(gpuDevice),
		},
	}
}
