// Copyright 2026 Miniclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package usage aggregates token usage across the multiple snapshots a
// provider stream reports, without double counting.
package usage

import (
	"fmt"
	"strings"
)

// State is the running usage total for one run.
type State struct {
	InputTokens                  int64 `json:"input_tokens"`
	InputUncachedTokens          int64 `json:"input_uncached_tokens"`
	InputCacheReadTokens         int64 `json:"input_cache_read_tokens"`
	InputCacheWriteTokens5m      int64 `json:"input_cache_write_tokens_5m"`
	InputCacheWriteTokens1h      int64 `json:"input_cache_write_tokens_1h"`
	InputCacheWriteTokensUnknown int64 `json:"input_cache_write_tokens_unknown"`
	OutputTokens                 int64 `json:"output_tokens"`
	ReasoningTokens              int64 `json:"reasoning_tokens"`
	ToolInputTokens              int64 `json:"tool_input_tokens"`
	TotalTokens                  int64 `json:"total_tokens"`

	Provider    string `json:"provider"`
	Model       string `json:"model"`
	ModelSource string `json:"model_source"`
	UsageSource string `json:"usage_source"`
}

type fieldAccessor struct {
	name string
	get  func(*State) int64
	add  func(*State, int64)
}

var numericFields = []fieldAccessor{
	{"input_tokens", func(s *State) int64 { return s.InputTokens }, func(s *State, d int64) { s.InputTokens += d }},
	{"input_uncached_tokens", func(s *State) int64 { return s.InputUncachedTokens }, func(s *State, d int64) { s.InputUncachedTokens += d }},
	{"input_cache_read_tokens", func(s *State) int64 { return s.InputCacheReadTokens }, func(s *State, d int64) { s.InputCacheReadTokens += d }},
	{"input_cache_write_tokens_5m", func(s *State) int64 { return s.InputCacheWriteTokens5m }, func(s *State, d int64) { s.InputCacheWriteTokens5m += d }},
	{"input_cache_write_tokens_1h", func(s *State) int64 { return s.InputCacheWriteTokens1h }, func(s *State, d int64) { s.InputCacheWriteTokens1h += d }},
	{"input_cache_write_tokens_unknown", func(s *State) int64 { return s.InputCacheWriteTokensUnknown }, func(s *State, d int64) { s.InputCacheWriteTokensUnknown += d }},
	{"output_tokens", func(s *State) int64 { return s.OutputTokens }, func(s *State, d int64) { s.OutputTokens += d }},
	{"reasoning_tokens", func(s *State) int64 { return s.ReasoningTokens }, func(s *State, d int64) { s.ReasoningTokens += d }},
	{"tool_input_tokens", func(s *State) int64 { return s.ToolInputTokens }, func(s *State, d int64) { s.ToolInputTokens += d }},
	{"total_tokens", func(s *State) int64 { return s.TotalTokens }, func(s *State, d int64) { s.TotalTokens += d }},
}

// Accumulator folds per-source usage snapshots into a State. Each source id
// contributes only monotonic deltas: replaying an observation is a no-op.
type Accumulator struct {
	State   State
	sources map[string]map[string]int64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{sources: make(map[string]map[string]int64)}
}

func isKnown(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && strings.ToLower(trimmed) != "unknown"
}

func mergeIdentity(current, candidate string, collapse bool) string {
	if !isKnown(candidate) {
		return current
	}
	if !isKnown(current) {
		return candidate
	}
	if current == candidate {
		return current
	}
	if collapse {
		return "mixed"
	}
	return current
}

// Add folds one observed snapshot for sourceID. Returns true when any
// numeric total or identity field changed.
func (a *Accumulator) Add(sourceID string, candidate State) bool {
	last, ok := a.sources[sourceID]
	if !ok {
		last = make(map[string]int64, len(numericFields))
		a.sources[sourceID] = last
	}

	changed := false
	for _, field := range numericFields {
		observed := field.get(&candidate)
		if observed < 0 {
			observed = 0
		}
		prev := last[field.name]
		if observed > prev {
			field.add(&a.State, observed-prev)
			last[field.name] = observed
			changed = true
		}
	}

	for _, merge := range []struct {
		dst      *string
		src      string
		collapse bool
	}{
		{&a.State.Provider, candidate.Provider, true},
		{&a.State.Model, candidate.Model, true},
		{&a.State.ModelSource, candidate.ModelSource, false},
		{&a.State.UsageSource, candidate.UsageSource, false},
	} {
		next := mergeIdentity(*merge.dst, merge.src, merge.collapse)
		if next != *merge.dst {
			*merge.dst = next
			changed = true
		}
	}
	return changed
}

// Normalize enforces the cross-field invariants on a copy of the state:
// input covers its components, uncached stays under input, and total covers
// input+output+tool_input (plus reasoning for google, which reports
// reasoning outside output).
func (s State) Normalize() State {
	out := s
	cacheWrite := out.InputCacheWriteTokens5m + out.InputCacheWriteTokens1h + out.InputCacheWriteTokensUnknown
	if out.InputTokens <= 0 && (out.InputUncachedTokens > 0 || out.InputCacheReadTokens > 0 || cacheWrite > 0) {
		out.InputTokens = out.InputUncachedTokens + out.InputCacheReadTokens + cacheWrite
	}
	if out.InputUncachedTokens <= 0 && out.InputTokens > 0 {
		out.InputUncachedTokens = out.InputTokens - out.InputCacheReadTokens - cacheWrite
		if out.InputUncachedTokens < 0 {
			out.InputUncachedTokens = 0
		}
	}
	if out.InputUncachedTokens > out.InputTokens {
		out.InputUncachedTokens = out.InputTokens
	}
	floor := out.InputTokens + out.OutputTokens + out.ToolInputTokens
	if strings.EqualFold(out.Provider, "google") {
		floor += out.ReasoningTokens
	}
	if out.TotalTokens < floor {
		out.TotalTokens = floor
	}
	return out
}

// Signature is a stable string over all fields, used to gate emission of
// usage events to only-when-changed.
func (s State) Signature() string {
	var b strings.Builder
	for _, field := range numericFields {
		fmt.Fprintf(&b, "%s=%d;", field.name, field.get(&s))
	}
	fmt.Fprintf(&b, "%s|%s|%s|%s", s.Provider, s.Model, s.ModelSource, s.UsageSource)
	return b.String()
}

// ToRecord renders the state as a usage-store row.
func (s State) ToRecord() map[string]interface{} {
	row := map[string]interface{}{
		"provider":     s.Provider,
		"model":        s.Model,
		"model_source": s.ModelSource,
		"usage_source": s.UsageSource,
	}
	for _, field := range numericFields {
		row[field.name] = field.get(&s)
	}
	return row
}
