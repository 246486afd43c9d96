package store

import (
	"strconv"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// progress_message is capped so the store never carries unbounded operator
// text.
const maxProgressMessage = 200

func truncateMessage(s string) string {
	if len(s) > maxProgressMessage {
		return s[:maxProgressMessage]
	}
	return s
}

// modelToMap flattens a record into the string hash stored in Redis.
func modelToMap(r types.ModelRecord) map[string]string {
	return map[string]string{
		"abbr":                   r.Abbr,
		"name":                   r.Name,
		"type":                   string(r.Type),
		"quantization":           r.Quantization,
		"max_model_len":          strconv.Itoa(r.MaxModelLen),
		"gpu_memory_utilization": strconv.FormatFloat(r.GPUMemoryUtilization, 'f', -1, 64),
		"max_num_seqs":           strconv.Itoa(r.MaxNumSeqs),
		"gpu_device":             strconv.Itoa(r.GPUDevice),
		"port":                   strconv.Itoa(r.Port),
		"endpoint":               r.Endpoint,
		"status":                 string(r.Status),
		"progress":               strconv.Itoa(r.Progress),
		"progress_message":       truncateMessage(r.ProgressMessage),
		"container_name":         r.ContainerName,
		"container_id":           r.ContainerID,
		"cache_size_mb":          strconv.FormatFloat(r.CacheSizeMB, 'f', -1, 64),
		"cached":                 strconv.FormatBool(r.Cached),
		"created_at":             strconv.FormatInt(r.CreatedAt, 10),
		"updated_at":             strconv.FormatInt(r.UpdatedAt, 10),
	}
}

// modelFromMap rebuilds a record from the stored hash, tolerating missing or
// malformed fields by falling back to zero values.
func modelFromMap(m map[string]string) types.ModelRecord {
	return types.ModelRecord{
		Abbr:                 m["abbr"],
		Name:                 m["name"],
		Type:                 types.ModelType(m["type"]),
		Quantization:         m["quantization"],
		MaxModelLen:          atoi(m["max_model_len"]),
		GPUMemoryUtilization: atof(m["gpu_memory_utilization"]),
		MaxNumSeqs:           atoi(m["max_num_seqs"]),
		GPUDevice:            atoi(m["gpu_device"]),
		Port:                 atoi(m["port"]),
		Endpoint:             m["endpoint"],
		Status:               types.ModelStatus(m["status"]),
		Progress:             atoi(m["progress"]),
		ProgressMessage:      m["progress_message"],
		ContainerName:        m["container_name"],
		ContainerID:          m["container_id"],
		CacheSizeMB:          atof(m["cache_size_mb"]),
		Cached:               m["cached"] == "true",
		CreatedAt:            atoi64(m["created_at"]),
		UpdatedAt:            atoi64(m["updated_at"]),
	}
}

func apiKeyToMap(k types.APIKeyInfo) map[string]string {
	return map[string]string{
		"name":         k.Name,
		"prefix":       k.Prefix,
		"description":  k.Description,
		"active":       strconv.FormatBool(k.Active),
		"created_at":   strconv.FormatInt(k.CreatedAt, 10),
		"last_used_at": strconv.FormatInt(k.LastUsedAt, 10),
	}
}

func apiKeyFromMap(m map[string]string) types.APIKeyInfo {
	return types.APIKeyInfo{
		Name:        m["name"],
		Prefix:      m["prefix"],
		Description: m["description"],
		Active:      m["active"] == "true",
		CreatedAt:   atoi64(m["created_at"]),
		LastUsedAt:  atoi64(m["last_used_at"]),
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
