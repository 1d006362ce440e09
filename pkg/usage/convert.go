package usage

import "encoding/json"

func coerceInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func coerceString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// StateFromMap builds a State from a loosely-typed provider snapshot.
// Unknown keys are ignored; missing keys stay zero.
func StateFromMap(row map[string]interface{}) State {
	s := State{
		Provider:    coerceString(row["provider"]),
		Model:       coerceString(row["model"]),
		ModelSource: coerceString(row["model_source"]),
		UsageSource: coerceString(row["usage_source"]),
	}
	setters := map[string]*int64{
		"input_tokens":                     &s.InputTokens,
		"input_uncached_tokens":            &s.InputUncachedTokens,
		"input_cache_read_tokens":          &s.InputCacheReadTokens,
		"input_cache_write_tokens_5m":      &s.InputCacheWriteTokens5m,
		"input_cache_write_tokens_1h":      &s.InputCacheWriteTokens1h,
		"input_cache_write_tokens_unknown": &s.InputCacheWriteTokensUnknown,
		"output_tokens":                    &s.OutputTokens,
		"reasoning_tokens":                 &s.ReasoningTokens,
		"tool_input_tokens":                &s.ToolInputTokens,
		"total_tokens":                     &s.TotalTokens,
	}
	for key, dst := range setters {
		if v, ok := row[key]; ok {
			*dst = coerceInt64(v)
		}
	}
	return s
}
