package gpu

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const sampleGPUQuery = `0, GPU-aaa, NVIDIA RTX A6000, 1024, 49140, 48116, 12, 45
1, GPU-bbb, NVIDIA RTX A6000, 30000, 49140, 19140, 88, 71`

const sampleComputeApps = `GPU-aaa, 1234, /usr/bin/python3, 1000
GPU-bbb, 5678, vllm, 29000
GPU-bbb, 5679, vllm, 512`

func fakeRunner(gpuOut, appsOut string, err error) queryRunner {
	return func(ctx context.Context, args ...string) (string, error) {
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(args[0], "--query-gpu") {
			return gpuOut, nil
		}
		return appsOut, nil
	}
}

func TestParseGPUQuery(t *testing.T) {
	gpus := parseGPUQuery(sampleGPUQuery)
	if len(gpus) != 2 {
		t.Fatalf("gpus=%d", len(gpus))
	}
	if gpus[0].Name != "NVIDIA RTX A6000" || gpus[0].MemoryFreeMB != 48116 {
		t.Fatalf("gpu0: %+v", gpus[0])
	}
	if gpus[1].UtilizationPercent != 88 || gpus[1].TemperatureCelsius != 71 {
		t.Fatalf("gpu1: %+v", gpus[1])
	}
}

func TestParseGPUQueryNA(t *testing.T) {
	gpus := parseGPUQuery("0, GPU-x, Tesla T4, [N/A], 15360, [N/A], [N/A], [N/A]")
	if len(gpus) != 1 {
		t.Fatalf("gpus=%d", len(gpus))
	}
	// free derived from total-used when the tool reports N/A
	if gpus[0].MemoryFreeMB != 15360 {
		t.Fatalf("free=%f", gpus[0].MemoryFreeMB)
	}
}

func TestParseComputeApps(t *testing.T) {
	gpus := parseGPUQuery(sampleGPUQuery)
	procs := parseComputeApps(sampleComputeApps, uuidIndex(gpus))
	if len(procs[0]) != 1 || len(procs[1]) != 2 {
		t.Fatalf("procs: %+v", procs)
	}
	if procs[1][0].PID != 5678 || procs[1][0].MemoryMB != 29000 {
		t.Fatalf("proc: %+v", procs[1][0])
	}
}

func TestInspectorSample(t *testing.T) {
	i := newInspector(fakeRunner(sampleGPUQuery, sampleComputeApps, nil), zerolog.Nop())
	i.Poll(context.Background())
	gpus, degraded := i.Sample()
	if degraded {
		t.Fatalf("unexpected degraded")
	}
	if len(gpus) != 2 {
		t.Fatalf("gpus=%d", len(gpus))
	}
	if len(i.Processes()[1]) != 2 {
		t.Fatalf("processes: %+v", i.Processes())
	}
}

func TestInspectorDegraded(t *testing.T) {
	i := newInspector(fakeRunner("", "", errors.New("exec: nvidia-smi: not found")), zerolog.Nop())
	i.Poll(context.Background())
	gpus, degraded := i.Sample()
	if !degraded || len(gpus) != 0 {
		t.Fatalf("expected empty degraded sample, got %d degraded=%v", len(gpus), degraded)
	}
	// degraded inspectors fall back to logical GPU 0
	if got := i.PickGPU(nil); got != 0 {
		t.Fatalf("pick=%d", got)
	}
}

func TestPickGPULeastLoaded(t *testing.T) {
	i := newInspector(fakeRunner(sampleGPUQuery, sampleComputeApps, nil), zerolog.Nop())
	i.Poll(context.Background())
	// GPU 0 has far less memory used
	if got := i.PickGPU(nil); got != 0 {
		t.Fatalf("pick=%d", got)
	}
	// three models on GPU 0 outweigh the memory difference
	if got := i.PickGPU(map[int]int{0: 3}); got != 1 {
		t.Fatalf("pick with assignments=%d", got)
	}
}
