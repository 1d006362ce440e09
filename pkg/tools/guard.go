package tools

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// ResolveWorkspacePath maps a tool-supplied relative path onto the agent
// workspace, rejecting absolute paths and traversal outside the root.
func ResolveWorkspacePath(rootDir, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	abs := filepath.Clean(filepath.Join(rootDir, rel))
	back, err := filepath.Rel(rootDir, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return abs, nil
}

// RetryGuard blocks a tool call that keeps failing with byte-identical
// arguments. Counters clear on the first success with the same key.
type RetryGuard struct {
	mu       sync.Mutex
	limit    int
	failures map[string]int
}

func NewRetryGuard(limit int) *RetryGuard {
	if limit < 1 {
		limit = 1
	}
	return &RetryGuard{limit: limit, failures: make(map[string]int)}
}

// guardKey is scope + tool + canonical args. json.Marshal emits map keys
// sorted, so semantically identical argument maps produce the same key.
func guardKey(scope, tool string, args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", args))
	}
	return scope + "|" + tool + "|" + string(raw)
}

// Blocked reports whether the identical-failure limit has been reached.
func (g *RetryGuard) Blocked(scope, tool string, args map[string]interface{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures[guardKey(scope, tool, args)] >= g.limit
}

func (g *RetryGuard) RecordFailure(scope, tool string, args map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[guardKey(scope, tool, args)]++
}

func (g *RetryGuard) RecordSuccess(scope, tool string, args map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, guardKey(scope, tool, args))
}

// ClearScope drops every counter for a finished run scope.
func (g *RetryGuard) ClearScope(scope string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.failures {
		if strings.HasPrefix(key, scope+"|") {
			delete(g.failures, key)
		}
	}
}
