package deploy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/internal/config"
	"github.com/kvsovanreach/mind-llm/internal/router"
	"github.com/kvsovanreach/mind-llm/internal/runtime"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// Store is the slice of the state store the engine writes through.
type Store interface {
	SaveModel(ctx context.Context, rec types.ModelRecord) error
	GetModel(ctx context.Context, abbr string) (types.ModelRecord, bool, error)
	ListModels(ctx context.Context, status types.ModelStatus) ([]types.ModelRecord, error)
	UpdateModelStatus(ctx context.Context, abbr string, status types.ModelStatus, progress int, message string) error
	UpdateModelFields(ctx context.Context, abbr string, fields map[string]string) error
	DeleteModel(ctx context.Context, abbr string) (bool, error)
	FreePort(ctx context.Context, start int) (int, error)
}

// GPUs is the slice of the inspector the engine consults for placement.
type GPUs interface {
	Sample() ([]types.GPUStat, bool)
	PickGPU(assigned map[int]int) int
}

// Router regenerates the reverse-proxy routing table.
type Router interface {
	Regenerate(ctx context.Context) error
}

// Catalog resolves predefined model entries.
type Catalog interface {
	Get(key string) (types.PredefinedModel, bool)
}

var abbrPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

// Engine drives the model lifecycle state machine:
// absent -> stopped -> deploying -> running -> stopping -> stopped, with a
// terminal error state reachable from deploying or running. All mutations
// happen under a per-abbr lock; a second operation on a locked abbr fails
// with a conflict. One deploy may be in flight per GPU.
type Engine struct {
	store    Store
	sup      runtime.Supervisor
	gpus     GPUs
	router   Router
	catalog  Catalog
	cfg      config.Settings
	log      zerolog.Logger
	validate *validator.Validate

	mu       sync.Mutex
	inflight map[string]bool
	gpuBusy  map[int]bool
}

// New constructs an Engine.
func New(store Store, sup runtime.Supervisor, gpus GPUs, rt Router, catalog Catalog, cfg config.Settings, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		sup:      sup,
		gpus:     gpus,
		router:   rt,
		catalog:  catalog,
		cfg:      cfg,
		log:      log.With().Str("component", "deploy").Logger(),
		validate: validator.New(),
		inflight: make(map[string]bool),
		gpuBusy:  make(map[int]bool),
	}
}

// tryLock reserves the abbr for one lifecycle operation.
func (e *Engine) tryLock(abbr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[abbr] {
		return false
	}
	e.inflight[abbr] = true
	return true
}

func (e *Engine) unlock(abbr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, abbr)
}

// LockHeld reports whether a lifecycle operation on abbr is in flight.
// The reconciler uses this to avoid evicting records mid-deploy.
func (e *Engine) LockHeld(abbr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[abbr]
}

// tryAcquireGPU reserves the single deploy slot of a GPU.
func (e *Engine) tryAcquireGPU(device int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gpuBusy[device] {
		return false
	}
	e.gpuBusy[device] = true
	return true
}

func (e *Engine) releaseGPU(device int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.gpuBusy, device)
}

// Deploy validates the spec, creates or reuses the record and starts the
// asynchronous transition stopped -> deploying -> running. The returned
// record has status deploying.
func (e *Engine) Deploy(ctx context.Context, spec types.ModelSpec) (types.ModelRecord, error) {
	if err := e.validateSpec(spec); err != nil {
		return types.ModelRecord{}, err
	}
	entry, ok := e.catalog.Get(spec.Abbr)
	if !ok {
		return types.ModelRecord{}, ErrValidation("abbr",
			fmt.Sprintf("%q is not in the predefined model catalog", spec.Abbr))
	}
	return e.begin(ctx, spec, &entry)
}

// Start re-deploys a previously created, currently stopped model from its
// stored record.
func (e *Engine) Start(ctx context.Context, abbr string) (types.ModelRecord, error) {
	rec, ok, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return types.ModelRecord{}, err
	}
	if !ok {
		return types.ModelRecord{}, ErrNotFound(abbr)
	}
	if rec.Status == types.StatusRunning || rec.Status == types.StatusDeploying || rec.Status == types.StatusStopping {
		return types.ModelRecord{}, ErrConflict(fmt.Sprintf("model %s is %s", abbr, rec.Status))
	}
	device := rec.GPUDevice
	spec := types.ModelSpec{
		Abbr:                 rec.Abbr,
		Name:                 rec.Name,
		Type:                 rec.Type,
		Quantization:         rec.Quantization,
		MaxModelLen:          rec.MaxModelLen,
		GPUMemoryUtilization: rec.GPUMemoryUtilization,
		MaxNumSeqs:           rec.MaxNumSeqs,
		GPUDevice:            &device,
		Port:                 rec.Port,
	}
	var entry *types.PredefinedModel
	if pe, ok := e.catalog.Get(abbr); ok {
		entry = &pe
	}
	return e.begin(ctx, spec, entry)
}

// begin performs the synchronous half of a deployment: locking, placement,
// the initial record write, and spawning the background worker.
func (e *Engine) begin(ctx context.Context, spec types.ModelSpec, entry *types.PredefinedModel) (types.ModelRecord, error) {
	abbr := spec.Abbr
	if !e.tryLock(abbr) {
		return types.ModelRecord{}, ErrConflict(fmt.Sprintf("operation already in flight for %s", abbr))
	}
	ok := false
	defer func() {
		if !ok {
			e.unlock(abbr)
		}
	}()

	existing, found, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return types.ModelRecord{}, err
	}
	if found && existing.Status != types.StatusStopped && existing.Status != types.StatusError {
		return types.ModelRecord{}, ErrConflict(fmt.Sprintf("model %s is %s", abbr, existing.Status))
	}

	device, err := e.placeGPU(ctx, spec, entry)
	if err != nil {
		return types.ModelRecord{}, err
	}
	if !e.tryAcquireGPU(device) {
		return types.ModelRecord{}, ErrExhausted(fmt.Sprintf("a deploy is already in flight on GPU %d", device))
	}
	gpuHeld := true
	defer func() {
		if !ok && gpuHeld {
			e.releaseGPU(device)
		}
	}()

	port := spec.Port
	if port == 0 {
		if found && existing.Port > 0 {
			port = existing.Port
		} else if port, err = e.store.FreePort(ctx, config.ModelPortStart); err != nil {
			return types.ModelRecord{}, err
		}
	}

	set := runtime.ResolveSettings(spec, entry)
	now := time.Now().UnixMilli()
	rec := types.ModelRecord{
		Abbr:                 abbr,
		Name:                 spec.Name,
		Type:                 spec.Type,
		Quantization:         nonEmpty(set.Quantization, "none"),
		MaxModelLen:          set.MaxModelLen,
		GPUMemoryUtilization: set.GPUMemoryUtilization,
		MaxNumSeqs:           set.MaxNumSeqs,
		GPUDevice:            device,
		Port:                 port,
		Endpoint:             "/api/v1/" + abbr,
		Status:               types.StatusDeploying,
		Progress:             0,
		ProgressMessage:      "Initializing deployment...",
		ContainerName:        config.ContainerPrefix + abbr,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if found {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := e.store.SaveModel(ctx, rec); err != nil {
		return types.ModelRecord{}, err
	}

	ok = true
	go e.runDeploy(spec, set, rec)
	return rec, nil
}

// runDeploy is the asynchronous half: image, container, readiness, router.
// It owns the abbr lock and the GPU slot until it returns.
func (e *Engine) runDeploy(spec types.ModelSpec, set runtime.EngineSettings, rec types.ModelRecord) {
	abbr := rec.Abbr
	name := rec.ContainerName
	log := e.log.With().Str("abbr", abbr).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DeployTimeout)
	defer cancel()
	defer e.unlock(abbr)
	defer e.releaseGPU(rec.GPUDevice)
	deployInflight.Inc()
	defer deployInflight.Dec()

	e.progress(ctx, abbr, 5, "Resources reserved")

	if err := e.withRetry(ctx, func() error { return e.sup.EnsureImage(ctx, config.EngineImage) }); err != nil {
		e.failDeploy(abbr, name, fmt.Errorf("engine image: %w", err))
		return
	}
	e.progress(ctx, abbr, 10, "Engine image present")

	// A stale container under our name blocks creation.
	_ = e.sup.Remove(ctx, name)

	e.progress(ctx, abbr, 30, "Creating container")
	cs := runtime.BuildContainerSpec(spec, set, rec.GPUDevice, rec.Port, e.cfg)
	var containerID string
	err := e.withRetry(ctx, func() error {
		id, serr := e.sup.Spawn(ctx, cs)
		containerID = id
		return serr
	})
	if err != nil {
		e.failDeploy(abbr, name, fmt.Errorf("spawn: %w", err))
		return
	}
	_ = e.store.UpdateModelFields(ctx, abbr, map[string]string{
		"container_id":   containerID,
		"container_name": name,
	})
	e.progress(ctx, abbr, 50, "Container started, loading model...")

	e.progress(ctx, abbr, 70, "Waiting for engine")
	deadline := time.Until(deadlineOf(ctx))
	if err := e.sup.WaitReady(ctx, name, abbr, deadline); err != nil {
		e.failDeploy(abbr, name, err)
		return
	}
	e.progress(ctx, abbr, 90, "Model registered")

	// The record must be running before regeneration so the router sees it.
	if err := e.store.UpdateModelStatus(ctx, abbr, types.StatusRunning, 95, "Publishing route"); err != nil {
		e.failDeploy(abbr, name, err)
		return
	}
	if err := e.router.Regenerate(ctx); err != nil {
		// A model the proxy cannot reach must not report running.
		log.Error().Err(err).Msg("router regeneration failed, demoting")
		_ = e.sup.Stop(ctx, name, e.cfg.StopTimeout)
		msg := "proxy reload failed"
		if !router.IsReloadFailed(err) {
			msg = "router update failed"
		}
		_ = e.store.UpdateModelStatus(ctx, abbr, types.StatusError, 0, msg)
		return
	}

	_ = e.store.UpdateModelStatus(ctx, abbr, types.StatusRunning, 100, "Model ready")
	log.Info().Int("gpu", rec.GPUDevice).Msg("model deployed")
}

// Stop transitions running -> stopping -> stopped. Stopping an already
// stopped model is a no-op. The container is stopped, not removed; a later
// Start replaces it with a freshly spawned one.
func (e *Engine) Stop(ctx context.Context, abbr string) (types.ModelRecord, error) {
	if !e.tryLock(abbr) {
		return types.ModelRecord{}, ErrConflict(fmt.Sprintf("operation already in flight for %s", abbr))
	}
	defer e.unlock(abbr)

	rec, ok, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return types.ModelRecord{}, err
	}
	if !ok {
		return types.ModelRecord{}, ErrNotFound(abbr)
	}
	if rec.Status == types.StatusStopped {
		return rec, nil
	}

	if err := e.store.UpdateModelStatus(ctx, abbr, types.StatusStopping, -1, "Stopping container"); err != nil {
		return types.ModelRecord{}, err
	}
	if err := e.sup.Stop(ctx, rec.ContainerName, e.cfg.StopTimeout); err != nil {
		e.log.Warn().Err(err).Str("abbr", abbr).Msg("container stop failed")
	}
	if err := e.store.UpdateModelStatus(ctx, abbr, types.StatusStopped, 0, "Stopped"); err != nil {
		return types.ModelRecord{}, err
	}
	if err := e.router.Regenerate(ctx); err != nil {
		// Retried on the next lifecycle event.
		e.log.Error().Err(err).Msg("router regeneration after stop failed")
	}
	rec.Status = types.StatusStopped
	return rec, nil
}

// Delete stops and removes the container, then erases the record.
func (e *Engine) Delete(ctx context.Context, abbr string) error {
	if !e.tryLock(abbr) {
		return ErrConflict(fmt.Sprintf("operation already in flight for %s", abbr))
	}
	defer e.unlock(abbr)

	rec, ok, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound(abbr)
	}
	if rec.ContainerName != "" {
		if rec.Status == types.StatusRunning || rec.Status == types.StatusDeploying {
			_ = e.store.UpdateModelStatus(ctx, abbr, types.StatusStopping, -1, "Stopping container")
			if err := e.sup.Stop(ctx, rec.ContainerName, e.cfg.StopTimeout); err != nil {
				e.log.Warn().Err(err).Str("abbr", abbr).Msg("container stop failed")
			}
		}
		if err := e.sup.Remove(ctx, rec.ContainerName); err != nil {
			e.log.Warn().Err(err).Str("abbr", abbr).Msg("container remove failed")
		}
	}
	if _, err := e.store.DeleteModel(ctx, abbr); err != nil {
		return err
	}
	if err := e.router.Regenerate(ctx); err != nil {
		e.log.Error().Err(err).Msg("router regeneration after delete failed")
	}
	return nil
}

// Get returns one record, enriched with weight-cache information.
func (e *Engine) Get(ctx context.Context, abbr string) (types.ModelRecord, bool, error) {
	rec, ok, err := e.store.GetModel(ctx, abbr)
	if err != nil || !ok {
		return rec, ok, err
	}
	e.enrichCache([]types.ModelRecord{rec})
	return rec, true, nil
}

// GetAll returns a snapshot of every record.
func (e *Engine) GetAll(ctx context.Context) ([]types.ModelRecord, error) {
	recs, err := e.store.ListModels(ctx, "")
	if err != nil {
		return nil, err
	}
	e.enrichCache(recs)
	return recs, nil
}

func (e *Engine) enrichCache(recs []types.ModelRecord) {
	cached := runtime.ScanCachedModels(e.cfg.HFCacheDir)
	if len(cached) == 0 {
		return
	}
	byName := make(map[string]types.CachedModel, len(cached))
	for _, c := range cached {
		byName[c.Name] = c
	}
	for i := range recs {
		if c, ok := byName[recs[i].Name]; ok {
			recs[i].Cached = true
			recs[i].CacheSizeMB = c.SizeMB
		}
	}
}

func (e *Engine) validateSpec(spec types.ModelSpec) error {
	if err := e.validate.Struct(spec); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			f := verrs[0]
			return ErrValidation(f.Field(), fmt.Sprintf("failed %s validation", f.Tag()))
		}
		return ErrValidation("", err.Error())
	}
	if !abbrPattern.MatchString(spec.Abbr) {
		return ErrValidation("abbr", "must match [a-z0-9._-]+")
	}
	return nil
}

// placeGPU picks or validates the target GPU and checks free memory against
// the catalog's expected footprint.
func (e *Engine) placeGPU(ctx context.Context, spec types.ModelSpec, entry *types.PredefinedModel) (int, error) {
	sample, degraded := e.gpus.Sample()
	if degraded {
		// No vendor tool: fall back to a single logical GPU 0.
		if spec.GPUDevice != nil && *spec.GPUDevice != 0 {
			return 0, ErrExhausted(fmt.Sprintf("GPU %d not visible (inspector degraded)", *spec.GPUDevice))
		}
		return 0, nil
	}

	var device int
	if spec.GPUDevice == nil {
		assigned := map[int]int{}
		if recs, err := e.store.ListModels(ctx, ""); err == nil {
			for _, r := range recs {
				if r.Status == types.StatusRunning || r.Status == types.StatusDeploying {
					assigned[r.GPUDevice]++
				}
			}
		}
		device = e.gpus.PickGPU(assigned)
	} else {
		device = *spec.GPUDevice
	}

	var stat *types.GPUStat
	for i := range sample {
		if sample[i].Index == device {
			stat = &sample[i]
			break
		}
	}
	if stat == nil {
		return 0, ErrExhausted(fmt.Sprintf("GPU %d does not exist", device))
	}

	var requiredMB float64
	if entry != nil && entry.RecommendedVRAMMB > 0 {
		requiredMB = float64(entry.RecommendedVRAMMB)
	}
	if requiredMB == 0 {
		e.log.Warn().Str("abbr", spec.Abbr).Msg("no VRAM estimate available, skipping placement check")
		return device, nil
	}
	if stat.MemoryFreeMB < requiredMB {
		return 0, ErrExhausted(fmt.Sprintf(
			"GPU %d has %.0f MB free, model needs ~%.0f MB", device, stat.MemoryFreeMB, requiredMB))
	}
	return device, nil
}

// withRetry retries transient runtime failures up to 3 times with a 2s
// pause before giving up.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !runtime.IsRuntimeDown(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(2 * time.Second):
		}
	}
	return err
}

func (e *Engine) progress(ctx context.Context, abbr string, pct int, msg string) {
	if err := e.store.UpdateModelStatus(ctx, abbr, types.StatusDeploying, pct, msg); err != nil {
		e.log.Warn().Err(err).Str("abbr", abbr).Msg("progress update failed")
	}
}

func (e *Engine) failDeploy(abbr, containerName string, cause error) {
	// The deploy context may already be expired; clean up on a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	e.log.Error().Err(cause).Str("abbr", abbr).Msg("deployment failed")
	_ = e.sup.Stop(ctx, containerName, 10*time.Second)
	_ = e.sup.Remove(ctx, containerName)
	// The record survives in error state for diagnosis until deleted.
	_ = e.store.UpdateModelStatus(ctx, abbr, types.StatusError, 0, "Deployment failed: "+cause.Error())
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(20 * time.Minute)
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
