package types

// ModelType classifies what kind of engine workload a model is.
type ModelType string

const (
	ModelTypeLLM       ModelType = "llm"
	ModelTypeEmbedding ModelType = "embedding"
)

// ModelStatus is the lifecycle state of a deployed model.
type ModelStatus string

const (
	StatusStopped   ModelStatus = "stopped"
	StatusDeploying ModelStatus = "deploying"
	StatusRunning   ModelStatus = "running"
	StatusError     ModelStatus = "error"
	StatusStopping  ModelStatus = "stopping"
)

// ModelRecord is the authoritative state of one deployed model, keyed by Abbr.
// Persisted as a flat string hash in the state store.
type ModelRecord struct {
	// Short unique slug used in URLs, container names and store keys.
	Abbr string `json:"abbr"`
	// Upstream model identifier (e.g. Qwen/Qwen2.5-1.5B-Instruct).
	Name string    `json:"name"`
	Type ModelType `json:"type"`
	// Quantization scheme: none, awq or gptq.
	Quantization string `json:"quantization"`
	// Context window in tokens.
	MaxModelLen          int     `json:"max_model_len"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization"`
	MaxNumSeqs           int     `json:"max_num_seqs"`
	// GPU index the container is bound to.
	GPUDevice int `json:"gpu_device"`
	// Host port assigned to the container.
	Port int `json:"port"`
	// Public path of the model, /api/v1/{abbr}.
	Endpoint string      `json:"endpoint"`
	Status   ModelStatus `json:"status"`
	// Deployment progress, 0..100. Advisory only.
	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message,omitempty"`
	ContainerName   string `json:"container_name,omitempty"`
	ContainerID     string `json:"container_id,omitempty"`
	// Weight cache info, filled opportunistically from the HF cache scan.
	CacheSizeMB float64 `json:"cache_size_mb,omitempty"`
	Cached      bool    `json:"cached"`
	// Epoch milliseconds.
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// ModelSpec is the request payload for deploying a model.
type ModelSpec struct {
	Abbr                 string    `json:"abbr" validate:"required,max=64"`
	Name                 string    `json:"name" validate:"required"`
	Type                 ModelType `json:"type" validate:"required,oneof=llm embedding"`
	Quantization         string    `json:"quantization,omitempty" validate:"omitempty,oneof=none awq gptq"`
	MaxModelLen          int       `json:"max_model_len,omitempty" validate:"omitempty,gt=0"`
	GPUMemoryUtilization float64   `json:"gpu_memory_utilization,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxNumSeqs           int       `json:"max_num_seqs,omitempty" validate:"omitempty,gt=0"`
	// GPU index; nil means pick the least loaded GPU.
	GPUDevice *int `json:"gpu_device,omitempty" validate:"omitempty,gte=0"`
	// Host port; 0 means assign from the pool.
	Port int `json:"port,omitempty" validate:"omitempty,gt=0,lt=65536"`
}

// RecommendedSettings holds per-model tuning from the predefined catalog.
type RecommendedSettings struct {
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization,omitempty" yaml:"gpu_memory_utilization" toml:"gpu_memory_utilization"`
	MaxNumSeqs           int     `json:"max_num_seqs,omitempty" yaml:"max_num_seqs" toml:"max_num_seqs"`
}

// PredefinedModel is one entry of the read-only model catalog.
type PredefinedModel struct {
	Abbr                string              `json:"abbr" yaml:"abbr" toml:"abbr"`
	Name                string              `json:"name" yaml:"name" toml:"name"`
	Type                ModelType           `json:"type" yaml:"type" toml:"type"`
	Quantization        string              `json:"quantization,omitempty" yaml:"quantization" toml:"quantization"`
	MaxModelLen         int                 `json:"max_model_len,omitempty" yaml:"max_model_len" toml:"max_model_len"`
	RecommendedSettings RecommendedSettings `json:"recommended_settings,omitempty" yaml:"recommended_settings" toml:"recommended_settings"`
	// Expected VRAM footprint used for placement checks when known.
	RecommendedVRAMMB int    `json:"recommended_vram_mb,omitempty" yaml:"recommended_vram_mb" toml:"recommended_vram_mb"`
	Description       string `json:"description,omitempty" yaml:"description" toml:"description"`
}

// GPUStat is one sample of a single GPU.
type GPUStat struct {
	Index              int     `json:"index"`
	UUID               string  `json:"-"`
	Name               string  `json:"name"`
	MemoryTotalMB      float64 `json:"memory_total_mb"`
	MemoryUsedMB       float64 `json:"memory_used_mb"`
	MemoryFreeMB       float64 `json:"memory_free_mb"`
	UtilizationPercent float64 `json:"utilization_percent"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
}

// GPUProcess is one compute process observed on a GPU.
type GPUProcess struct {
	PID      int     `json:"pid"`
	Name     string  `json:"name"`
	MemoryMB float64 `json:"memory_mb"`
}

// CachedModel describes a model found in the HuggingFace weight cache.
type CachedModel struct {
	Name      string  `json:"name"`
	CachePath string  `json:"cache_path"`
	SizeMB    float64 `json:"size_mb"`
	Cached    bool    `json:"cached"`
}

// APIKeyInfo is the stored, displayable part of an API key.
// The full key is never persisted and never returned after creation.
type APIKeyInfo struct {
	Name        string `json:"name"`
	Prefix      string `json:"prefix"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"created_at"`
	LastUsedAt  int64  `json:"last_used_at,omitempty"`
}
