package gpu

import (
	"context"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

const pollInterval = 2 * time.Second

// snapshot is the immutable result of one vendor-tool poll. Readers get the
// whole struct by pointer; the poller replaces it atomically.
type snapshot struct {
	gpus     []types.GPUStat
	procs    map[int][]types.GPUProcess
	degraded bool
	taken    time.Time
}

// queryRunner invokes the vendor query tool. Swapped out in tests.
type queryRunner func(ctx context.Context, args ...string) (string, error)

// Inspector polls per-GPU memory, utilization, temperature and processes at
// a fixed cadence. Readers never block the poller.
type Inspector struct {
	run  queryRunner
	log  zerolog.Logger
	snap atomic.Pointer[snapshot]
}

// NewInspector builds an Inspector backed by nvidia-smi.
func NewInspector(log zerolog.Logger) *Inspector {
	return newInspector(runNvidiaSMI, log)
}

func newInspector(run queryRunner, log zerolog.Logger) *Inspector {
	i := &Inspector{run: run, log: log.With().Str("component", "gpu").Logger()}
	i.snap.Store(&snapshot{degraded: true})
	return i
}

// Run polls until ctx is cancelled. Call once from a dedicated goroutine.
func (i *Inspector) Run(ctx context.Context) {
	i.poll(ctx)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.poll(ctx)
		}
	}
}

// Poll takes one sample immediately. Exposed for boot-time priming.
func (i *Inspector) Poll(ctx context.Context) { i.poll(ctx) }

func (i *Inspector) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := i.run(ctx,
		"--query-gpu=index,uuid,name,memory.used,memory.total,memory.free,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		// Vendor tool absent or failing: degrade softly, keep serving.
		i.snap.Store(&snapshot{degraded: true, taken: time.Now()})
		i.log.Debug().Err(err).Msg("gpu query failed")
		return
	}
	gpus := parseGPUQuery(out)

	procs := map[int][]types.GPUProcess{}
	if pout, err := i.run(ctx,
		"--query-compute-apps=gpu_uuid,pid,process_name,used_memory",
		"--format=csv,noheader,nounits"); err == nil {
		procs = parseComputeApps(pout, uuidIndex(gpus))
	}

	s := &snapshot{gpus: gpus, procs: procs, taken: time.Now()}
	i.snap.Store(s)
	publishMetrics(s)
}

// Sample returns the most recent GPU sample (at most 2s stale) and whether
// the inspector is degraded (vendor tool unavailable).
func (i *Inspector) Sample() ([]types.GPUStat, bool) {
	s := i.snap.Load()
	out := make([]types.GPUStat, len(s.gpus))
	copy(out, s.gpus)
	return out, s.degraded
}

// Processes returns the per-GPU process lists from the latest sample.
func (i *Inspector) Processes() map[int][]types.GPUProcess {
	s := i.snap.Load()
	out := make(map[int][]types.GPUProcess, len(s.procs))
	for k, v := range s.procs {
		out[k] = append([]types.GPUProcess(nil), v...)
	}
	return out
}

// PickGPU selects the least loaded GPU: lowest memory used plus a heavy
// penalty per model already assigned. assigned maps GPU index to the number
// of models placed on it. Falls back to 0 when degraded.
func (i *Inspector) PickGPU(assigned map[int]int) int {
	gpus, degraded := i.Sample()
	if degraded || len(gpus) == 0 {
		return 0
	}
	best := gpus[0].Index
	bestScore := -1.0
	for _, g := range gpus {
		score := g.MemoryUsedMB + 10000*float64(assigned[g.Index])
		if bestScore < 0 || score < bestScore {
			bestScore = score
			best = g.Index
		}
	}
	return best
}

func uuidIndex(gpus []types.GPUStat) map[string]int {
	m := make(map[string]int, len(gpus))
	for _, g := range gpus {
		if g.UUID != "" {
			m[g.UUID] = g.Index
		}
	}
	return m
}

func runNvidiaSMI(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", args...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
