package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/internal/config"
	"github.com/kvsovanreach/mind-llm/internal/router"
	"github.com/kvsovanreach/mind-llm/internal/runtime"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// fakeStore is an in-memory Store recording progress history.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]types.ModelRecord
	progress map[string][]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]types.ModelRecord{}, progress: map[string][]int{}}
}

func (s *fakeStore) SaveModel(ctx context.Context, rec types.ModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Abbr] = rec
	s.progress[rec.Abbr] = append(s.progress[rec.Abbr], rec.Progress)
	return nil
}

func (s *fakeStore) GetModel(ctx context.Context, abbr string) (types.ModelRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[abbr]
	return rec, ok, nil
}

func (s *fakeStore) ListModels(ctx context.Context, status types.ModelStatus) ([]types.ModelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ModelRecord
	for _, r := range s.records {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateModelStatus(ctx context.Context, abbr string, status types.ModelStatus, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[abbr]
	rec.Abbr = abbr
	rec.Status = status
	if progress >= 0 {
		rec.Progress = progress
		s.progress[abbr] = append(s.progress[abbr], progress)
	}
	rec.ProgressMessage = message
	s.records[abbr] = rec
	return nil
}

func (s *fakeStore) UpdateModelFields(ctx context.Context, abbr string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[abbr]
	if v, ok := fields["container_id"]; ok {
		rec.ContainerID = v
	}
	if v, ok := fields["container_name"]; ok {
		rec.ContainerName = v
	}
	s.records[abbr] = rec
	return nil
}

func (s *fakeStore) DeleteModel(ctx context.Context, abbr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[abbr]
	delete(s.records, abbr)
	return ok, nil
}

func (s *fakeStore) FreePort(ctx context.Context, start int) (int, error) { return start, nil }

func (s *fakeStore) status(abbr string) types.ModelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[abbr].Status
}

// fakeSup is an in-memory Supervisor.
type fakeSup struct {
	mu        sync.Mutex
	spawned   []runtime.ContainerSpec
	stopped   []string
	removed   []string
	readyErr  error
	spawnErr  error
	readyGate chan struct{} // when set, WaitReady blocks until closed
}

func (f *fakeSup) Ping(ctx context.Context) error                     { return nil }
func (f *fakeSup) EnsureImage(ctx context.Context, image string) error { return nil }

func (f *fakeSup) Spawn(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawned = append(f.spawned, spec)
	return "cid-" + spec.Name, nil
}

func (f *fakeSup) Inspect(ctx context.Context, name string) (runtime.ContainerInfo, error) {
	return runtime.ContainerInfo{Name: name, Running: true}, nil
}

func (f *fakeSup) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeSup) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeSup) List(ctx context.Context, prefix string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}

func (f *fakeSup) Logs(ctx context.Context, name string, tail int) (string, error) { return "", nil }
func (f *fakeSup) Exec(ctx context.Context, name string, cmd []string) error       { return nil }

func (f *fakeSup) WaitReady(ctx context.Context, name, servedID string, deadline time.Duration) error {
	if f.readyGate != nil {
		select {
		case <-f.readyGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.readyErr
}

func (f *fakeSup) stoppedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeSup) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeGPUs struct {
	gpus     []types.GPUStat
	degraded bool
}

func (f *fakeGPUs) Sample() ([]types.GPUStat, bool) { return f.gpus, f.degraded }
func (f *fakeGPUs) PickGPU(assigned map[int]int) int {
	if len(f.gpus) == 0 {
		return 0
	}
	return f.gpus[0].Index
}

type fakeRouter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRouter) Regenerate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeRouter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testCatalog() *config.Catalog {
	return config.NewCatalog([]types.PredefinedModel{{
		Abbr:              "qwen1.5b",
		Name:              "Qwen/Qwen2.5-1.5B-Instruct",
		Type:              types.ModelTypeLLM,
		MaxModelLen:       2048,
		RecommendedVRAMMB: 6000,
		RecommendedSettings: types.RecommendedSettings{
			GPUMemoryUtilization: 0.5,
			MaxNumSeqs:           128,
		},
	}})
}

func healthyGPU() *fakeGPUs {
	return &fakeGPUs{gpus: []types.GPUStat{{Index: 0, MemoryTotalMB: 49140, MemoryFreeMB: 24000}}}
}

func testSettings() config.Settings {
	return config.Settings{
		DeployTimeout: 5 * time.Second,
		StopTimeout:   time.Second,
		HFCacheDir:    "/nonexistent",
	}
}

func newTestEngine(store *fakeStore, sup *fakeSup, gpus *fakeGPUs, rt *fakeRouter) *Engine {
	return New(store, sup, gpus, rt, testCatalog(), testSettings(), zerolog.Nop())
}

func qwenSpec() types.ModelSpec {
	device := 0
	return types.ModelSpec{
		Abbr:      "qwen1.5b",
		Name:      "Qwen/Qwen2.5-1.5B-Instruct",
		Type:      types.ModelTypeLLM,
		GPUDevice: &device,
	}
}

func waitForUnlock(t *testing.T, e *Engine, abbr string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for e.LockHeld(abbr) {
		if time.Now().After(deadline) {
			t.Fatalf("lock on %s never released", abbr)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForStatus(t *testing.T, store *fakeStore, abbr string, want types.ModelStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if store.status(abbr) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never became %s (now %s)", want, store.status(abbr))
}

func TestDeployHappyPath(t *testing.T) {
	store := newFakeStore()
	sup := &fakeSup{}
	rt := &fakeRouter{}
	e := newTestEngine(store, sup, healthyGPU(), rt)

	rec, err := e.Deploy(context.Background(), qwenSpec())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if rec.Status != types.StatusDeploying {
		t.Fatalf("initial status=%s", rec.Status)
	}
	if rec.Endpoint != "/api/v1/qwen1.5b" {
		t.Fatalf("endpoint=%s", rec.Endpoint)
	}
	if rec.MaxModelLen != 2048 || rec.GPUMemoryUtilization != 0.5 {
		t.Fatalf("catalog settings not applied: %+v", rec)
	}

	waitForStatus(t, store, "qwen1.5b", types.StatusRunning)
	waitForUnlock(t, e, "qwen1.5b")
	if rt.callCount() != 1 {
		t.Fatalf("router regenerations=%d", rt.callCount())
	}
	sup.mu.Lock()
	spawned := len(sup.spawned)
	name := sup.spawned[0].Name
	sup.mu.Unlock()
	if spawned != 1 || name != "MIND_MODEL_qwen1.5b" {
		t.Fatalf("spawned=%d name=%s", spawned, name)
	}

	// progress is monotonically non-decreasing within the episode
	store.mu.Lock()
	hist := append([]int(nil), store.progress["qwen1.5b"]...)
	store.mu.Unlock()
	for i := 1; i < len(hist); i++ {
		if hist[i] < hist[i-1] {
			t.Fatalf("progress regressed: %v", hist)
		}
	}
	if hist[len(hist)-1] != 100 {
		t.Fatalf("final progress=%d", hist[len(hist)-1])
	}
}

func TestDeployUnknownAbbrRejected(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeSup{}, healthyGPU(), &fakeRouter{})
	spec := qwenSpec()
	spec.Abbr = "nope"
	_, err := e.Deploy(context.Background(), spec)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeployBadAbbrPattern(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeSup{}, healthyGPU(), &fakeRouter{})
	spec := qwenSpec()
	spec.Abbr = "Has Spaces"
	_, err := e.Deploy(context.Background(), spec)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ValidationField(err) != "abbr" {
		t.Fatalf("field=%q", ValidationField(err))
	}
}

func TestDeployConflictWhileInFlight(t *testing.T) {
	store := newFakeStore()
	gate := make(chan struct{})
	sup := &fakeSup{readyGate: gate}
	e := newTestEngine(store, sup, healthyGPU(), &fakeRouter{})

	if _, err := e.Deploy(context.Background(), qwenSpec()); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	_, err := e.Deploy(context.Background(), qwenSpec())
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	close(gate)
	waitForStatus(t, store, "qwen1.5b", types.StatusRunning)

	store.mu.Lock()
	n := len(store.records)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("records=%d", n)
	}
}

func TestDeployInsufficientMemory(t *testing.T) {
	gpus := &fakeGPUs{gpus: []types.GPUStat{{Index: 0, MemoryFreeMB: 100}}}
	e := newTestEngine(newFakeStore(), &fakeSup{}, gpus, &fakeRouter{})
	_, err := e.Deploy(context.Background(), qwenSpec())
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestDeployUnknownGPU(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeSup{}, healthyGPU(), &fakeRouter{})
	spec := qwenSpec()
	device := 7
	spec.GPUDevice = &device
	_, err := e.Deploy(context.Background(), spec)
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestDeployDegradedInspectorFallsBackToGPU0(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeSup{}, &fakeGPUs{degraded: true}, &fakeRouter{})
	spec := qwenSpec()
	spec.GPUDevice = nil
	rec, err := e.Deploy(context.Background(), spec)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if rec.GPUDevice != 0 {
		t.Fatalf("gpu=%d", rec.GPUDevice)
	}
	waitForStatus(t, store, "qwen1.5b", types.StatusRunning)
}

func TestDeployReadinessFailureIsTerminalError(t *testing.T) {
	store := newFakeStore()
	sup := &fakeSup{readyErr: errors.New("deadline exceeded")}
	e := newTestEngine(store, sup, healthyGPU(), &fakeRouter{})

	if _, err := e.Deploy(context.Background(), qwenSpec()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	waitForStatus(t, store, "qwen1.5b", types.StatusError)

	// the broken container is cleaned up; the record survives for diagnosis
	if len(sup.stoppedNames()) == 0 || len(sup.removedNames()) == 0 {
		t.Fatalf("container not cleaned up: stopped=%v removed=%v", sup.stoppedNames(), sup.removedNames())
	}
	if _, ok, _ := store.GetModel(context.Background(), "qwen1.5b"); !ok {
		t.Fatalf("error record deleted")
	}
}

func TestDeployProxyReloadFailureDemotes(t *testing.T) {
	store := newFakeStore()
	sup := &fakeSup{}
	rt := &fakeRouter{err: router.ReloadFailed(errors.New("exec failed"))}
	e := newTestEngine(store, sup, healthyGPU(), rt)

	if _, err := e.Deploy(context.Background(), qwenSpec()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	waitForStatus(t, store, "qwen1.5b", types.StatusError)
	rec, _, _ := store.GetModel(context.Background(), "qwen1.5b")
	if rec.ProgressMessage != "proxy reload failed" {
		t.Fatalf("message=%q", rec.ProgressMessage)
	}
	if len(sup.stoppedNames()) == 0 {
		t.Fatalf("unreachable model left running")
	}
}

func TestStopRunningModel(t *testing.T) {
	store := newFakeStore()
	sup := &fakeSup{}
	rt := &fakeRouter{}
	e := newTestEngine(store, sup, healthyGPU(), rt)

	if _, err := e.Deploy(context.Background(), qwenSpec()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	waitForStatus(t, store, "qwen1.5b", types.StatusRunning)
	waitForUnlock(t, e, "qwen1.5b")
	// deploy itself clears any stale container before spawning
	removedBeforeStop := len(sup.removedNames())

	rec, err := e.Stop(context.Background(), "qwen1.5b")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.Status != types.StatusStopped {
		t.Fatalf("status=%s", rec.Status)
	}
	if len(sup.stoppedNames()) != 1 {
		t.Fatalf("stops=%v", sup.stoppedNames())
	}
	// stop keeps the container: it removes nothing
	if len(sup.removedNames()) != removedBeforeStop {
		t.Fatalf("container removed on stop")
	}
}

func TestStopIdempotentWhenStopped(t *testing.T) {
	store := newFakeStore()
	store.records["m"] = types.ModelRecord{Abbr: "m", Status: types.StatusStopped}
	sup := &fakeSup{}
	e := newTestEngine(store, sup, healthyGPU(), &fakeRouter{})

	rec, err := e.Stop(context.Background(), "m")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.Status != types.StatusStopped || len(sup.stoppedNames()) != 0 {
		t.Fatalf("not idempotent: %+v stops=%v", rec, sup.stoppedNames())
	}
}

func TestStopNotFound(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeSup{}, healthyGPU(), &fakeRouter{})
	if _, err := e.Stop(context.Background(), "ghost"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteRunningModel(t *testing.T) {
	store := newFakeStore()
	sup := &fakeSup{}
	e := newTestEngine(store, sup, healthyGPU(), &fakeRouter{})

	if _, err := e.Deploy(context.Background(), qwenSpec()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	waitForStatus(t, store, "qwen1.5b", types.StatusRunning)
	waitForUnlock(t, e, "qwen1.5b")

	if err := e.Delete(context.Background(), "qwen1.5b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.GetModel(context.Background(), "qwen1.5b"); ok {
		t.Fatalf("record survived delete")
	}
	if len(sup.removedNames()) == 0 {
		t.Fatalf("container not removed")
	}
}

func TestStartReusesStoredRecord(t *testing.T) {
	store := newFakeStore()
	store.records["qwen1.5b"] = types.ModelRecord{
		Abbr:                 "qwen1.5b",
		Name:                 "Qwen/Qwen2.5-1.5B-Instruct",
		Type:                 types.ModelTypeLLM,
		Quantization:         "none",
		MaxModelLen:          2048,
		GPUMemoryUtilization: 0.5,
		MaxNumSeqs:           128,
		Port:                 8100,
		Status:               types.StatusStopped,
		ContainerName:        "MIND_MODEL_qwen1.5b",
	}
	sup := &fakeSup{}
	e := newTestEngine(store, sup, healthyGPU(), &fakeRouter{})

	rec, err := e.Start(context.Background(), "qwen1.5b")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Status != types.StatusDeploying || rec.Port != 8100 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	waitForStatus(t, store, "qwen1.5b", types.StatusRunning)
}

func TestStartNotFound(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeSup{}, healthyGPU(), &fakeRouter{})
	if _, err := e.Start(context.Background(), "ghost"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGPUDeploySlotIsExclusive(t *testing.T) {
	cat := config.NewCatalog([]types.PredefinedModel{
		{Abbr: "a", Name: "org/a", Type: types.ModelTypeLLM},
		{Abbr: "b", Name: "org/b", Type: types.ModelTypeLLM},
	})
	store := newFakeStore()
	gate := make(chan struct{})
	sup := &fakeSup{readyGate: gate}
	e := New(store, sup, healthyGPU(), &fakeRouter{}, cat, testSettings(), zerolog.Nop())

	device := 0
	specA := types.ModelSpec{Abbr: "a", Name: "org/a", Type: types.ModelTypeLLM, GPUDevice: &device}
	specB := types.ModelSpec{Abbr: "b", Name: "org/b", Type: types.ModelTypeLLM, GPUDevice: &device}

	if _, err := e.Deploy(context.Background(), specA); err != nil {
		t.Fatalf("deploy a: %v", err)
	}
	_, err := e.Deploy(context.Background(), specB)
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted for busy GPU, got %v", err)
	}
	close(gate)
	waitForStatus(t, store, "a", types.StatusRunning)
	waitForUnlock(t, e, "a")

	// slot freed: b can deploy now
	if _, err := e.Deploy(context.Background(), specB); err != nil {
		t.Fatalf("deploy b after slot free: %v", err)
	}
	waitForStatus(t, store, "b", types.StatusRunning)
}

func TestLockHeldVisibleDuringDeploy(t *testing.T) {
	store := newFakeStore()
	gate := make(chan struct{})
	sup := &fakeSup{readyGate: gate}
	e := newTestEngine(store, sup, healthyGPU(), &fakeRouter{})

	if _, err := e.Deploy(context.Background(), qwenSpec()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !e.LockHeld("qwen1.5b") {
		t.Fatalf("lock not held during deploy")
	}
	close(gate)
	waitForStatus(t, store, "qwen1.5b", types.StatusRunning)
	waitForUnlock(t, e, "qwen1.5b")
}
