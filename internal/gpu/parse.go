package gpu

import (
	"strconv"
	"strings"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// parseGPUQuery parses nvidia-smi --query-gpu CSV output. Fields reported
// as [N/A] parse to zero; memory.free is derived when absent.
func parseGPUQuery(out string) []types.GPUStat {
	var gpus []types.GPUStat
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := splitCSV(line)
		if len(parts) < 8 {
			continue
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		g := types.GPUStat{
			Index:              idx,
			UUID:               parts[1],
			Name:               parts[2],
			MemoryUsedMB:       parseField(parts[3]),
			MemoryTotalMB:      parseField(parts[4]),
			MemoryFreeMB:       parseField(parts[5]),
			UtilizationPercent: parseField(parts[6]),
			TemperatureCelsius: parseField(parts[7]),
		}
		if g.MemoryFreeMB == 0 && g.MemoryTotalMB > g.MemoryUsedMB {
			g.MemoryFreeMB = g.MemoryTotalMB - g.MemoryUsedMB
		}
		gpus = append(gpus, g)
	}
	return gpus
}

// parseComputeApps parses nvidia-smi --query-compute-apps CSV output and
// groups processes by GPU index via the uuid map.
func parseComputeApps(out string, byUUID map[string]int) map[int][]types.GPUProcess {
	procs := make(map[int][]types.GPUProcess)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := splitCSV(line)
		if len(parts) < 4 {
			continue
		}
		idx, ok := byUUID[parts[0]]
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		procs[idx] = append(procs[idx], types.GPUProcess{
			PID:      pid,
			Name:     parts[2],
			MemoryMB: parseField(parts[3]),
		})
	}
	return procs
}

func splitCSV(line string) []string {
	raw := strings.Split(line, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func parseField(s string) float64 {
	if s == "" || s == "[N/A]" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
