package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	return p
}

func TestLoadCatalogJSON(t *testing.T) {
	p := writeTemp(t, "models.json", `{
  "predefined_models": [
    {"abbr": "qwen1.5b", "name": "Qwen/Qwen2.5-1.5B-Instruct", "type": "llm",
     "max_model_len": 2048, "recommended_settings": {"gpu_memory_utilization": 0.5, "max_num_seqs": 128},
     "recommended_vram_mb": 6000}
  ]
}`)
	c, err := LoadCatalog(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m, ok := c.Get("qwen1.5b")
	if !ok {
		t.Fatalf("abbr lookup failed")
	}
	if m.MaxModelLen != 2048 || m.RecommendedSettings.MaxNumSeqs != 128 {
		t.Fatalf("unexpected entry: %+v", m)
	}
	if _, ok := c.Get("Qwen/Qwen2.5-1.5B-Instruct"); !ok {
		t.Fatalf("name lookup failed")
	}
}

func TestLoadCatalogYAML(t *testing.T) {
	p := writeTemp(t, "models.yaml", `
predefined_models:
  - abbr: bge
    name: BAAI/bge-m3
    type: embedding
    max_model_len: 512
`)
	c, err := LoadCatalog(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m, ok := c.Get("bge"); !ok || m.Type != "embedding" {
		t.Fatalf("got %+v ok=%v", m, ok)
	}
}

func TestLoadCatalogTOML(t *testing.T) {
	p := writeTemp(t, "models.toml", `
[[predefined_models]]
abbr = "llama3"
name = "meta-llama/Llama-3.1-8B-Instruct"
type = "llm"
`)
	c, err := LoadCatalog(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := c.Get("llama3"); !ok {
		t.Fatalf("abbr lookup failed")
	}
}

func TestLoadCatalogUnsupportedExtension(t *testing.T) {
	p := writeTemp(t, "models.ini", "x")
	if _, err := LoadCatalog(p); err == nil {
		t.Fatalf("expected error for unsupported extension")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	s := FromEnv()
	if s.SessionTimeout != 24 {
		t.Fatalf("session timeout default=%d", s.SessionTimeout)
	}
	if s.RedisPort != 6379 || s.RedisHost == "" {
		t.Fatalf("redis defaults: %s:%d", s.RedisHost, s.RedisPort)
	}
}

func TestFromEnvOverride(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "1")
	t.Setenv("REDIS_HOST", "127.0.0.1")
	s := FromEnv()
	if s.SessionTimeout != 1 || s.RedisHost != "127.0.0.1" {
		t.Fatalf("override not applied: %+v", s)
	}
}

// Bind-mount sources must come out absolute: the container runtime does not
// expand ~ or resolve relative paths.
func TestFromEnvHostPathsAbsolute(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("HOST_CACHE_DIR", "~/.cache")
	t.Setenv("HOST_MODELS_DIR", "./models")
	s := FromEnv()
	if !filepath.IsAbs(s.HostCacheDir) || strings.HasPrefix(s.HostCacheDir, "~") {
		t.Fatalf("host cache dir not resolved: %q", s.HostCacheDir)
	}
	if s.HostCacheDir != filepath.Join(home, ".cache") {
		t.Fatalf("home not expanded: %q", s.HostCacheDir)
	}
	if !filepath.IsAbs(s.HostModelsDir) {
		t.Fatalf("host models dir not resolved: %q", s.HostModelsDir)
	}
}

func TestResolveHostPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if got := resolveHostPath("~/models"); got != filepath.Join(home, "models") {
		t.Fatalf("tilde: %q", got)
	}
	if got := resolveHostPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute changed: %q", got)
	}
	if got := resolveHostPath("./rel"); !filepath.IsAbs(got) || filepath.Base(got) != "rel" {
		t.Fatalf("relative: %q", got)
	}
}
