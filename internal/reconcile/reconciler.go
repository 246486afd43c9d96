package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/internal/runtime"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

const defaultInterval = 30 * time.Second

// Store is the slice of the state store the reconciler writes through.
type Store interface {
	GetModel(ctx context.Context, abbr string) (types.ModelRecord, bool, error)
	SaveModel(ctx context.Context, rec types.ModelRecord) error
	ListModels(ctx context.Context, status types.ModelStatus) ([]types.ModelRecord, error)
	UpdateModelFields(ctx context.Context, abbr string, fields map[string]string) error
	DeleteModel(ctx context.Context, abbr string) (bool, error)
}

// Containers lists the runtime's containers.
type Containers interface {
	List(ctx context.Context, prefix string) ([]runtime.ContainerInfo, error)
}

// Locks exposes in-flight lifecycle operations so reconciliation never
// fights an active deploy.
type Locks interface {
	LockHeld(abbr string) bool
}

// Catalog resolves predefined entries; containers without one are skipped.
type Catalog interface {
	Get(key string) (types.PredefinedModel, bool)
}

// Router regenerates the proxy routing table.
type Router interface {
	Regenerate(ctx context.Context) error
}

// Reconciler replays runtime truth into the state store: running containers
// become running records, running or deploying records without a container
// are evicted (stopped and error records are left alone).
type Reconciler struct {
	store    Store
	sup      Containers
	locks    Locks
	catalog  Catalog
	router   Router
	prefix   string
	interval time.Duration
	log      zerolog.Logger
}

// New builds a Reconciler scanning containers under prefix.
func New(store Store, sup Containers, locks Locks, catalog Catalog, rt Router, prefix string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		sup:      sup,
		locks:    locks,
		catalog:  catalog,
		router:   rt,
		prefix:   prefix,
		interval: defaultInterval,
		log:      log.With().Str("component", "reconcile").Logger(),
	}
}

// Run reconciles once immediately, then on every tick until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.Sync(ctx); err != nil {
		r.log.Error().Err(err).Msg("boot reconciliation failed")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// Sync performs one reconciliation pass. The router regenerates only when
// the running set changed.
func (r *Reconciler) Sync(ctx context.Context) error {
	containers, err := r.sup.List(ctx, r.prefix)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	changed := false
	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		if !c.Running {
			continue
		}
		abbr := strings.TrimPrefix(c.Name, r.prefix)
		// The container exists either way; records for it must not be
		// evicted even when the catalog lookup below fails.
		seen[abbr] = true

		entry, ok := r.catalog.Get(abbr)
		if !ok {
			r.log.Warn().Str("container", c.Name).
				Msg("running container not in predefined catalog, skipping")
			continue
		}

		rec, found, err := r.store.GetModel(ctx, abbr)
		if err != nil {
			return err
		}
		switch {
		case !found:
			now := time.Now().UnixMilli()
			rec = types.ModelRecord{
				Abbr:            abbr,
				Name:            modelFromArgs(c.Args, entry.Name),
				Type:            entry.Type,
				Quantization:    nonEmpty(entry.Quantization, "none"),
				MaxModelLen:     entry.MaxModelLen,
				GPUDevice:       gpuFromEnv(c.Env),
				Endpoint:        "/api/v1/" + abbr,
				Status:          types.StatusRunning,
				Progress:        100,
				ProgressMessage: "Recovered from runtime",
				ContainerName:   c.Name,
				ContainerID:     c.ID,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := r.store.SaveModel(ctx, rec); err != nil {
				return err
			}
			r.log.Info().Str("abbr", abbr).Msg("adopted running container")
			changed = true
		case rec.Status != types.StatusRunning:
			if r.locks.LockHeld(abbr) {
				continue
			}
			fields := map[string]string{
				"status":         string(types.StatusRunning),
				"progress":       "100",
				"container_id":   c.ID,
				"container_name": c.Name,
			}
			if err := r.store.UpdateModelFields(ctx, abbr, fields); err != nil {
				return err
			}
			r.log.Info().Str("abbr", abbr).Str("was", string(rec.Status)).
				Msg("record promoted to running")
			changed = true
		}
	}

	// Evict records claiming a container that no longer exists.
	records, err := r.store.ListModels(ctx, "")
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status != types.StatusRunning && rec.Status != types.StatusDeploying {
			continue
		}
		if seen[rec.Abbr] {
			continue
		}
		if r.locks.LockHeld(rec.Abbr) {
			continue
		}
		if _, err := r.store.DeleteModel(ctx, rec.Abbr); err != nil {
			return err
		}
		r.log.Info().Str("abbr", rec.Abbr).Msg("evicted orphaned record")
		changed = true
	}

	if changed {
		if err := r.router.Regenerate(ctx); err != nil {
			r.log.Error().Err(err).Msg("router regeneration after reconcile failed")
		}
	}
	return nil
}

// gpuFromEnv reads the device index from CUDA_VISIBLE_DEVICES.
func gpuFromEnv(env []string) int {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "CUDA_VISIBLE_DEVICES="); ok {
			if n, err := strconv.Atoi(strings.Split(v, ",")[0]); err == nil {
				return n
			}
		}
	}
	return 0
}

// modelFromArgs reads the upstream model name from the engine argv.
func modelFromArgs(args []string, fallback string) string {
	for i, a := range args {
		if a == "--model" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
