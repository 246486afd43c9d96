package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kvsovanreach/mind-llm/internal/common/fsutil"
)

// Network and naming contract shared with the reverse proxy and reconciler.
const (
	ContainerPrefix = "MIND_MODEL_"
	NetworkName     = "mind_llm-network"
	NginxContainer  = "MIND_API_GATEWAY"

	EngineImage = "vllm/vllm-openai:latest"
	// Fixed inference port inside every engine container.
	EnginePort = 8000
	// Host ports for model containers are assigned from this value upward.
	ModelPortStart = 8100
)

// Defaults applied when a deploy spec leaves tunables unset.
const (
	DefaultMaxModelLen          = 4096
	DefaultGPUMemoryUtilization = 0.9
	DefaultMaxNumSeqs           = 256

	EmbeddingGPUMemoryUtilization = 0.05
	EmbeddingMaxModelLen          = 512
	EmbeddingMaxNumSeqs           = 1024
)

// Settings holds runtime parameters for the orchestrator, sourced from the
// environment. Zero values mean "unspecified" and fall back to defaults here.
type Settings struct {
	Addr        string
	Environment string

	AuthUsername     string
	AuthPasswordHash string
	JWTSecret        string
	// Session lifetime in hours.
	SessionTimeout int

	RedisHost string
	RedisPort int

	HFToken       string
	HFCacheDir    string
	HostCacheDir  string
	ModelsDir     string
	HostModelsDir string

	// Predefined catalog file; json, yaml or toml by extension.
	ModelsConfigPath string

	// Reverse-proxy include file emitted by the router generator.
	RouterFile string

	DeployTimeout time.Duration
	StopTimeout   time.Duration
}

// FromEnv builds Settings from environment variables, applying the same
// defaults the platform ships with.
func FromEnv() Settings {
	return Settings{
		Addr:             envStr("ORCHESTRATOR_ADDR", ":8001"),
		Environment:      envStr("ENVIRONMENT", "development"),
		AuthUsername:     envStr("AUTH_USERNAME", "admin"),
		AuthPasswordHash: os.Getenv("AUTH_PASSWORD_HASH"),
		JWTSecret:        envStr("JWT_SECRET", "change-this-secret-key-in-production"),
		SessionTimeout:   envInt("SESSION_TIMEOUT", 24),
		RedisHost:        envStr("REDIS_HOST", "redis"),
		RedisPort:        envInt("REDIS_PORT", 6379),
		HFToken:          os.Getenv("HF_TOKEN"),
		HFCacheDir:       envStr("HF_CACHE_DIR", "/root/.cache/huggingface/hub"),
		HostCacheDir:     resolveHostPath(envStr("HOST_CACHE_DIR", "~/.cache")),
		ModelsDir:        envStr("MODELS_DIR", "/models"),
		HostModelsDir:    resolveHostPath(envStr("HOST_MODELS_DIR", "./models")),
		ModelsConfigPath: modelsConfigPath(),
		RouterFile:       envStr("ROUTER_FILE", "/nginx-config/model_routes.conf"),
		DeployTimeout:    time.Duration(envInt("DEPLOY_TIMEOUT_MINUTES", 20)) * time.Minute,
		StopTimeout:      30 * time.Second,
	}
}

// Production reports whether the service runs with production logging.
func (s Settings) Production() bool { return s.Environment == "production" }

// resolveHostPath turns a host-side mount path into the absolute form the
// container runtime requires: bind-mount sources are not tilde-expanded or
// cwd-resolved by the daemon.
func resolveHostPath(p string) string {
	expanded, err := fsutil.ExpandHome(p)
	if err != nil {
		return p
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return expanded
	}
	return abs
}

// modelsConfigPath prefers the bundled catalog and falls back to the
// environment when the image does not ship one.
func modelsConfigPath() string {
	const bundled = "/app/models.json"
	if fsutil.PathExists(bundled) {
		return bundled
	}
	return envStr("MODELS_CONFIG_PATH", "./models.json")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
