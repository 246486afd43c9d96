package runtime

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kvsovanreach/mind-llm/internal/common/fsutil"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// ScanCachedModels walks the HuggingFace hub cache for fully downloaded
// models. Directories look like models--Org--Name and count as cached only
// when they hold at least one snapshot.
func ScanCachedModels(cacheDir string) []types.CachedModel {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return nil
	}
	var out []types.CachedModel
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "models--") {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(e.Name(), "models--"), "--")
		if len(parts) < 2 {
			continue
		}
		dir := filepath.Join(cacheDir, e.Name())
		snapshots, err := os.ReadDir(filepath.Join(dir, "snapshots"))
		if err != nil || len(snapshots) == 0 {
			continue
		}
		sizeMB := float64(fsutil.DirSizeBytes(dir)) / (1024 * 1024)
		out = append(out, types.CachedModel{
			Name:      strings.Join(parts, "/"),
			CachePath: dir,
			SizeMB:    sizeMB,
			Cached:    true,
		})
	}
	return out
}
