package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

const (
	modelKeyPrefix  = "model:"
	gpuKeyPrefix    = "gpu_assignment:"
	apiKeyKeyPrefix = "apikey:"
)

// Store is a thin typed facade over the external key-value store. Model
// records are flat string hashes under model:{abbr}; API keys live under
// apikey:{hash} with the key's keyed (HMAC) hash as the lookup handle.
type Store struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New connects to Redis at host:port. The connection is lazy; use Ping to
// verify reachability.
func New(host string, port int, log zerolog.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	return NewWithClient(rdb, log)
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, log zerolog.Logger) *Store {
	return &Store{rdb: rdb, log: log.With().Str("component", "store").Logger()}
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func modelKey(abbr string) string  { return modelKeyPrefix + abbr }
func gpuKey(abbr string) string    { return gpuKeyPrefix + abbr }
func apiKeyKey(hash string) string { return apiKeyKeyPrefix + hash }

// SaveModel writes the full record and its GPU assignment.
func (s *Store) SaveModel(ctx context.Context, rec types.ModelRecord) error {
	if err := s.rdb.HSet(ctx, modelKey(rec.Abbr), modelToMap(rec)).Err(); err != nil {
		return fmt.Errorf("save model %s: %w", rec.Abbr, err)
	}
	// Redundant with the record; kept for back-compat scans.
	if err := s.rdb.Set(ctx, gpuKey(rec.Abbr), fmt.Sprintf("%d", rec.GPUDevice), 0).Err(); err != nil {
		return fmt.Errorf("save gpu assignment %s: %w", rec.Abbr, err)
	}
	return nil
}

// GetModel reads one record. The second return is false when absent.
func (s *Store) GetModel(ctx context.Context, abbr string) (types.ModelRecord, bool, error) {
	m, err := s.rdb.HGetAll(ctx, modelKey(abbr)).Result()
	if err != nil {
		return types.ModelRecord{}, false, fmt.Errorf("get model %s: %w", abbr, err)
	}
	if len(m) == 0 {
		return types.ModelRecord{}, false, nil
	}
	return modelFromMap(m), true, nil
}

// ListModels returns all records, optionally filtered by status.
// "" means no filter.
func (s *Store) ListModels(ctx context.Context, status types.ModelStatus) ([]types.ModelRecord, error) {
	var out []types.ModelRecord
	iter := s.rdb.Scan(ctx, 0, modelKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		m, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		if len(m) == 0 {
			continue
		}
		rec := modelFromMap(m)
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

// UpdateModelStatus updates status and, when progress >= 0, the progress
// fields. updated_at is refreshed on every call.
func (s *Store) UpdateModelStatus(ctx context.Context, abbr string, status types.ModelStatus, progress int, message string) error {
	fields := map[string]string{
		"status":     string(status),
		"updated_at": fmt.Sprintf("%d", time.Now().UnixMilli()),
	}
	if progress >= 0 {
		fields["progress"] = fmt.Sprintf("%d", progress)
	}
	if message != "" {
		fields["progress_message"] = truncateMessage(message)
	}
	if err := s.rdb.HSet(ctx, modelKey(abbr), fields).Err(); err != nil {
		return fmt.Errorf("update status %s: %w", abbr, err)
	}
	return nil
}

// UpdateModelFields writes arbitrary record fields.
func (s *Store) UpdateModelFields(ctx context.Context, abbr string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = fmt.Sprintf("%d", time.Now().UnixMilli())
	if err := s.rdb.HSet(ctx, modelKey(abbr), fields).Err(); err != nil {
		return fmt.Errorf("update fields %s: %w", abbr, err)
	}
	return nil
}

// DeleteModel removes the record and its GPU assignment. Returns false when
// the record did not exist.
func (s *Store) DeleteModel(ctx context.Context, abbr string) (bool, error) {
	n, err := s.rdb.Del(ctx, modelKey(abbr)).Result()
	if err != nil {
		return false, fmt.Errorf("delete model %s: %w", abbr, err)
	}
	if err := s.rdb.Del(ctx, gpuKey(abbr)).Err(); err != nil {
		return false, fmt.Errorf("delete gpu assignment %s: %w", abbr, err)
	}
	return n > 0, nil
}

// FreePort scans assigned ports and returns the first free one at or above
// start.
func (s *Store) FreePort(ctx context.Context, start int) (int, error) {
	recs, err := s.ListModels(ctx, "")
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(recs))
	for _, r := range recs {
		if r.Port > 0 {
			used[r.Port] = true
		}
	}
	port := start
	for used[port] {
		port++
	}
	return port, nil
}

// SaveAPIKey stores key metadata under its hash.
func (s *Store) SaveAPIKey(ctx context.Context, hash string, info types.APIKeyInfo) error {
	if err := s.rdb.HSet(ctx, apiKeyKey(hash), apiKeyToMap(info)).Err(); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

// GetAPIKey reads key metadata by hash.
func (s *Store) GetAPIKey(ctx context.Context, hash string) (types.APIKeyInfo, bool, error) {
	m, err := s.rdb.HGetAll(ctx, apiKeyKey(hash)).Result()
	if err != nil {
		return types.APIKeyInfo{}, false, fmt.Errorf("get api key: %w", err)
	}
	if len(m) == 0 {
		return types.APIKeyInfo{}, false, nil
	}
	return apiKeyFromMap(m), true, nil
}

// ListAPIKeys returns the metadata of every key. Full keys are not stored,
// so none can leak here.
func (s *Store) ListAPIKeys(ctx context.Context) ([]types.APIKeyInfo, error) {
	var out []types.APIKeyInfo
	iter := s.rdb.Scan(ctx, 0, apiKeyKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		m, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("list api keys: %w", err)
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, apiKeyFromMap(m))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return out, nil
}

// DeleteAPIKey removes a key by hash. Returns false when absent.
func (s *Store) DeleteAPIKey(ctx context.Context, hash string) (bool, error) {
	n, err := s.rdb.Del(ctx, apiKeyKey(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("delete api key: %w", err)
	}
	return n > 0, nil
}

// FindAPIKeyByPrefix scans for the key whose stored prefix matches.
func (s *Store) FindAPIKeyByPrefix(ctx context.Context, prefix string) (string, bool, error) {
	iter := s.rdb.Scan(ctx, 0, apiKeyKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		p, err := s.rdb.HGet(ctx, iter.Val(), "prefix").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", false, fmt.Errorf("find api key: %w", err)
		}
		if p == prefix {
			return iter.Val()[len(apiKeyKeyPrefix):], true, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", false, fmt.Errorf("find api key: %w", err)
	}
	return "", false, nil
}

// TouchAPIKey records a use of the key. Failures are logged, not returned;
// last_used_at is advisory.
func (s *Store) TouchAPIKey(ctx context.Context, hash string) {
	err := s.rdb.HSet(ctx, apiKeyKey(hash), "last_used_at", fmt.Sprintf("%d", time.Now().UnixMilli())).Err()
	if err != nil {
		s.log.Warn().Err(err).Msg("touch api key")
	}
}
