// Package redact scrubs secrets from text and structured payloads before
// they reach logs or audit files.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

var textPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|authorization|secret|password)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._-]+`),
}

var sensitiveKeyMarkers = []string{
	"api_key", "apikey", "token", "secret", "authorization", "password",
}

// Text replaces secret-looking substrings with a placeholder.
func Text(s string) string {
	for _, pattern := range textPatterns {
		s = pattern.ReplaceAllString(s, placeholder)
	}
	return s
}

// Value recursively scrubs maps, slices and strings. Map entries whose key
// contains a sensitive marker are replaced wholesale.
func Value(v interface{}) interface{} {
	switch typed := v.(type) {
	case string:
		return Text(typed)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			if keyIsSensitive(key) {
				out[key] = placeholder
				continue
			}
			out[key] = Value(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = Value(item)
		}
		return out
	default:
		return v
	}
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
