package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"dario.cat/mergo"
	"github.com/mitchellh/mapstructure"
)

// LoadJSONMap reads a JSON object file. A missing file yields an empty map.
func LoadJSONMap(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return payload, nil
}

// DeepMerge overlays src onto dst, recursing into nested objects.
func DeepMerge(dst, src map[string]interface{}) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	if err := mergo.Merge(&merged, dst, mergo.WithOverride); err != nil {
		return nil, err
	}
	if err := mergo.Merge(&merged, src, mergo.WithOverride); err != nil {
		return nil, err
	}
	return merged, nil
}

// DecodeRuntimeConfig decodes a merged config map onto baseline defaults.
// Keys absent from the map keep their default; explicit false/zero values
// are preserved.
func DecodeRuntimeConfig(payload map[string]interface{}) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(payload); err != nil {
		return cfg, fmt.Errorf("decode runtime config: %w", err)
	}
	cfg.Clamp()
	return cfg, nil
}

// LoadRuntimeConfig loads a single config file over defaults.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	payload, err := LoadJSONMap(path)
	if err != nil {
		return DefaultRuntimeConfig(), err
	}
	return DecodeRuntimeConfig(payload)
}

// LoadEffectiveRuntimeConfig merges the agent file over the global file and
// decodes the result over defaults.
func LoadEffectiveRuntimeConfig(globalPath, agentPath string) (RuntimeConfig, error) {
	globalMap, err := LoadJSONMap(globalPath)
	if err != nil {
		return DefaultRuntimeConfig(), err
	}
	agentMap, err := LoadJSONMap(agentPath)
	if err != nil {
		return DefaultRuntimeConfig(), err
	}
	merged, err := DeepMerge(globalMap, agentMap)
	if err != nil {
		return DefaultRuntimeConfig(), err
	}
	return DecodeRuntimeConfig(merged)
}

func toMap(cfg RuntimeConfig) (map[string]interface{}, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// deepDiff returns the entries of next that differ from base. Unchanged
// fields are omitted so they continue to inherit.
func deepDiff(base, next map[string]interface{}) map[string]interface{} {
	delta := map[string]interface{}{}
	for key, nextVal := range next {
		baseVal, ok := base[key]
		if !ok {
			delta[key] = nextVal
			continue
		}
		nextMap, nextIsMap := nextVal.(map[string]interface{})
		baseMap, baseIsMap := baseVal.(map[string]interface{})
		if nextIsMap && baseIsMap {
			if nested := deepDiff(baseMap, nextMap); len(nested) > 0 {
				delta[key] = nested
			}
			continue
		}
		if !reflect.DeepEqual(baseVal, nextVal) {
			delta[key] = nextVal
		}
	}
	return delta
}

// SaveRuntimeConfigToPath persists only the delta of cfg against baseline
// defaults, so fields left at their default keep inheriting from global.
func SaveRuntimeConfigToPath(path string, cfg RuntimeConfig) error {
	baseMap, err := toMap(DefaultRuntimeConfig())
	if err != nil {
		return err
	}
	nextMap, err := toMap(cfg)
	if err != nil {
		return err
	}
	delta := deepDiff(baseMap, nextMap)
	raw, err := json.MarshalIndent(delta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RuntimeConfigDigest hashes the canonical effective payload. Map keys are
// sorted by the JSON encoder, so the digest is stable.
func RuntimeConfigDigest(cfg RuntimeConfig) string {
	payload, err := toMap(cfg)
	if err != nil {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
