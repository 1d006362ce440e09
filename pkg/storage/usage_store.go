package storage

import (
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// UsageQuery filters persisted LLM usage records.
type UsageQuery struct {
	SinceHours  int
	Provider    string
	Model       string
	TriggerType string
	SessionID   string
	Limit       int
}

// UsageStore persists one JSONL row per LLM run under
// <root>/storage/usage/llm_usage.jsonl.
type UsageStore struct {
	path     string
	registry *LockRegistry
}

func NewUsageStore(rootDir string, registry *LockRegistry) *UsageStore {
	if registry == nil {
		registry = Locks()
	}
	return &UsageStore{
		path:     filepath.Join(rootDir, "storage", "usage", "llm_usage.jsonl"),
		registry: registry,
	}
}

// AppendRecord writes one usage row, stamping timestamp_ms when absent.
func (s *UsageStore) AppendRecord(payload map[string]interface{}) error {
	row := make(map[string]interface{}, len(payload)+1)
	for key, value := range payload {
		row[key] = value
	}
	if _, ok := row["timestamp_ms"]; !ok {
		row["timestamp_ms"] = time.Now().UnixMilli()
	}
	return AppendJSONL(s.registry, s.path, row)
}

func coerceInt(value interface{}) int64 {
	switch typed := value.(type) {
	case bool:
		if typed {
			return 1
		}
		return 0
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0
		}
		return int64(typed)
	case string:
		raw := strings.ReplaceAll(strings.TrimSpace(typed), ",", "")
		if raw == "" {
			return 0
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
		return 0
	default:
		return 0
	}
}

func coerceFloat(value interface{}) (float64, bool) {
	switch typed := value.(type) {
	case nil:
		return 0, false
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return typed, true
	case string:
		raw := strings.ReplaceAll(strings.TrimSpace(typed), ",", "")
		if raw == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func coerceBool(value interface{}) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case int:
		return typed != 0
	case int64:
		return typed != 0
	case float64:
		return typed != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "1", "true", "yes", "y", "on":
			return true
		}
		return false
	default:
		return false
	}
}

func stringField(row map[string]interface{}, key, fallback string) string {
	if v, ok := row[key]; ok {
		if s, ok := v.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}

func nonNegInt(row map[string]interface{}, key string) int64 {
	n := coerceInt(row[key])
	if n < 0 {
		return 0
	}
	return n
}

// usageNumericFields are the token counters carried by every record.
var usageNumericFields = []string{
	"input_tokens",
	"input_uncached_tokens",
	"input_cache_read_tokens",
	"input_cache_write_tokens_5m",
	"input_cache_write_tokens_1h",
	"input_cache_write_tokens_unknown",
	"output_tokens",
	"reasoning_tokens",
	"tool_input_tokens",
	"total_tokens",
}

// NormalizeRecord re-derives the token identities a raw row may violate:
// input is reconstructed from its components, uncached is clamped under
// input, and total covers input+output+tool_input.
func NormalizeRecord(raw map[string]interface{}) map[string]interface{} {
	row := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		row[key] = value
	}

	input := nonNegInt(row, "input_tokens")
	uncached := nonNegInt(row, "input_uncached_tokens")
	cacheRead := nonNegInt(row, "input_cache_read_tokens")
	cacheWrite5m := nonNegInt(row, "input_cache_write_tokens_5m")
	cacheWrite1h := nonNegInt(row, "input_cache_write_tokens_1h")
	cacheWriteUnknown := nonNegInt(row, "input_cache_write_tokens_unknown")
	output := nonNegInt(row, "output_tokens")
	reasoning := nonNegInt(row, "reasoning_tokens")
	toolInput := nonNegInt(row, "tool_input_tokens")
	total := nonNegInt(row, "total_tokens")

	cacheWriteTotal := cacheWrite5m + cacheWrite1h + cacheWriteUnknown
	if input <= 0 && (uncached > 0 || cacheRead > 0 || cacheWriteTotal > 0) {
		input = uncached + cacheRead + cacheWriteTotal
	}
	if uncached <= 0 && input > 0 {
		uncached = input - cacheRead - cacheWriteTotal
		if uncached < 0 {
			uncached = 0
		}
	}
	if uncached > input {
		uncached = input
	}
	if total <= 0 {
		total = input + output + toolInput
	} else if floor := input + output + toolInput; total < floor {
		total = floor
	}

	pricing, _ := row["pricing"].(map[string]interface{})
	if pricing == nil {
		pricing = map[string]interface{}{}
	}

	cost, hasCost := coerceFloat(row["cost_usd"])
	if !hasCost {
		cost, hasCost = coerceFloat(pricing["total_cost_usd"])
	}
	priced := coerceBool(row["priced"])
	if _, present := row["priced"]; !present {
		priced = coerceBool(pricing["priced"])
	}
	if !priced {
		hasCost = false
	}

	schemaVersion := coerceInt(row["schema_version"])
	if schemaVersion == 0 {
		schemaVersion = 2
	}

	out := map[string]interface{}{
		"schema_version":                   schemaVersion,
		"timestamp_ms":                     nonNegInt(row, "timestamp_ms"),
		"agent_id":                         stringField(row, "agent_id", "default"),
		"provider":                         strings.ToLower(stringField(row, "provider", "unknown")),
		"model":                            stringField(row, "model", "unknown"),
		"model_source":                     stringField(row, "model_source", "unknown"),
		"usage_source":                     stringField(row, "usage_source", "unknown"),
		"trigger_type":                     strings.ToLower(stringField(row, "trigger_type", "")),
		"run_id":                           stringField(row, "run_id", ""),
		"session_id":                       stringField(row, "session_id", ""),
		"input_tokens":                     input,
		"input_uncached_tokens":            uncached,
		"input_cache_read_tokens":          cacheRead,
		"input_cache_write_tokens_5m":      cacheWrite5m,
		"input_cache_write_tokens_1h":      cacheWrite1h,
		"input_cache_write_tokens_unknown": cacheWriteUnknown,
		"output_tokens":                    output,
		"reasoning_tokens":                 reasoning,
		"tool_input_tokens":                toolInput,
		"total_tokens":                     total,
		"priced":                           priced,
		"pricing":                          pricing,
	}
	if hasCost {
		out["cost_usd"] = math.Round(cost*1e8) / 1e8
	} else {
		out["cost_usd"] = nil
	}
	return out
}

// QueryRecords returns normalized rows matching the query, newest first.
func (s *UsageStore) QueryRecords(query UsageQuery) []map[string]interface{} {
	sinceHours := query.SinceHours
	if sinceHours < 1 {
		sinceHours = 1
	}
	minTS := time.Now().UnixMilli() - int64(sinceHours)*3600*1000

	providerFilter := strings.ToLower(strings.TrimSpace(query.Provider))
	modelFilter := strings.ToLower(strings.TrimSpace(query.Model))
	triggerFilter := strings.ToLower(strings.TrimSpace(query.TriggerType))
	sessionFilter := strings.TrimSpace(query.SessionID)

	var filtered []map[string]interface{}
	for _, raw := range ReadJSONL(s.path) {
		row := NormalizeRecord(raw)
		if coerceInt(row["timestamp_ms"]) < minTS {
			continue
		}
		if providerFilter != "" && row["provider"] != providerFilter {
			continue
		}
		if modelFilter != "" && strings.ToLower(row["model"].(string)) != modelFilter {
			continue
		}
		if triggerFilter != "" && row["trigger_type"] != triggerFilter {
			continue
		}
		if sessionFilter != "" && row["session_id"] != sessionFilter {
			continue
		}
		filtered = append(filtered, row)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return coerceInt(filtered[i]["timestamp_ms"]) > coerceInt(filtered[j]["timestamp_ms"])
	})
	limit := query.Limit
	if limit < 1 {
		limit = 1
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// Summary aggregates records into totals plus per-provider breakdowns.
type Summary struct {
	Totals          map[string]interface{}   `json:"totals"`
	ByProviderModel []map[string]interface{} `json:"by_provider_model"`
	ByProvider      []map[string]interface{} `json:"by_provider"`
}

// Summarize folds normalized records into totals, by provider+model, and by
// provider, each sorted by cost then tokens descending.
func (s *UsageStore) Summarize(records []map[string]interface{}) Summary {
	totals := map[string]interface{}{
		"runs":          int64(len(records)),
		"priced_runs":   int64(0),
		"unpriced_runs": int64(0),
		"cost_usd":      0.0,
	}
	for _, field := range usageNumericFields {
		totals[field] = int64(0)
	}

	byModel := map[string]map[string]interface{}{}
	byProvider := map[string]map[string]interface{}{}

	for _, raw := range records {
		row := NormalizeRecord(raw)
		provider := row["provider"].(string)
		model := row["model"].(string)
		key := provider + "|" + model

		modelBucket, ok := byModel[key]
		if !ok {
			modelBucket = map[string]interface{}{
				"provider": provider, "model": model,
				"runs": int64(0), "priced_runs": int64(0), "unpriced_runs": int64(0),
				"cost_usd": 0.0,
			}
			for _, field := range usageNumericFields {
				modelBucket[field] = int64(0)
			}
			byModel[key] = modelBucket
		}
		providerBucket, ok := byProvider[provider]
		if !ok {
			providerBucket = map[string]interface{}{
				"provider": provider,
				"runs":     int64(0), "priced_runs": int64(0), "unpriced_runs": int64(0),
				"input_tokens": int64(0), "output_tokens": int64(0), "total_tokens": int64(0),
				"cost_usd": 0.0,
			}
			byProvider[provider] = providerBucket
		}

		modelBucket["runs"] = modelBucket["runs"].(int64) + 1
		providerBucket["runs"] = providerBucket["runs"].(int64) + 1
		for _, field := range usageNumericFields {
			value := coerceInt(row[field])
			modelBucket[field] = modelBucket[field].(int64) + value
			totals[field] = totals[field].(int64) + value
		}
		for _, field := range []string{"input_tokens", "output_tokens", "total_tokens"} {
			providerBucket[field] = providerBucket[field].(int64) + coerceInt(row[field])
		}

		cost, hasCost := coerceFloat(row["cost_usd"])
		if coerceBool(row["priced"]) && hasCost {
			for _, bucket := range []map[string]interface{}{modelBucket, providerBucket, totals} {
				bucket["priced_runs"] = bucket["priced_runs"].(int64) + 1
				bucket["cost_usd"] = math.Round((bucket["cost_usd"].(float64)+cost)*1e8) / 1e8
			}
		} else {
			for _, bucket := range []map[string]interface{}{modelBucket, providerBucket, totals} {
				bucket["unpriced_runs"] = bucket["unpriced_runs"].(int64) + 1
			}
		}
	}

	sortBuckets := func(buckets map[string]map[string]interface{}) []map[string]interface{} {
		rows := make([]map[string]interface{}, 0, len(buckets))
		for _, bucket := range buckets {
			rows = append(rows, bucket)
		}
		sort.SliceStable(rows, func(i, j int) bool {
			ci, cj := rows[i]["cost_usd"].(float64), rows[j]["cost_usd"].(float64)
			if ci != cj {
				return ci > cj
			}
			return rows[i]["total_tokens"].(int64) > rows[j]["total_tokens"].(int64)
		})
		return rows
	}

	return Summary{
		Totals:          totals,
		ByProviderModel: sortBuckets(byModel),
		ByProvider:      sortBuckets(byProvider),
	}
}
