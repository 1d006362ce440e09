// Package agent owns agent workspaces: seeding, the registry, and
// system prompt assembly.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/miniclaw/miniclaw/pkg/storage"
)

// DefaultAgentID is the agent created on first start. It cannot be
// deleted.
const DefaultAgentID = "default"

// MemoryPlaceholder is the canonical empty long-term memory file.
const MemoryPlaceholder = "# MEMORY\n\n- Keep this file concise.\n"

var agentIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateAgentID enforces the workspace directory naming rule.
func ValidateAgentID(id string) error {
	if !agentIDRe.MatchString(id) {
		return fmt.Errorf("invalid agent id: %q (allowed: letters, digits, _ and -, max 64)", id)
	}
	return nil
}

// seedFiles are copied from the workspace template when absent.
var seedFiles = []string{
	"workspace/AGENTS.md",
	"workspace/SOUL.md",
	"workspace/IDENTITY.md",
	"workspace/USER.md",
	"workspace/HEARTBEAT.md",
	"workspace/BOOTSTRAP.md",
}

var workspaceDirs = []string{
	"workspace",
	"memory",
	"skills",
	"knowledge",
	"storage",
}

// SeedWorkspace creates the directory layout of an agent workspace and
// copies missing bootstrap files from the template. Existing files are
// never overwritten.
func SeedWorkspace(workspaceDir, templateDir string) error {
	for _, dir := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(workspaceDir, dir), 0o755); err != nil {
			return fmt.Errorf("create workspace dir: %w", err)
		}
	}

	for _, name := range seedFiles {
		dst := filepath.Join(workspaceDir, filepath.FromSlash(name))
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		content := []byte("# " + strings.TrimSuffix(filepath.Base(name), ".md") + "\n")
		if templateDir != "" {
			if raw, err := os.ReadFile(filepath.Join(templateDir, filepath.FromSlash(name))); err == nil {
				content = raw
			}
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}

	memoryPath := filepath.Join(workspaceDir, "memory", "MEMORY.md")
	if _, err := os.Stat(memoryPath); os.IsNotExist(err) {
		if err := os.WriteFile(memoryPath, []byte(MemoryPlaceholder), 0o644); err != nil {
			return fmt.Errorf("seed memory: %w", err)
		}
	}

	migrateLegacyMemory(workspaceDir)
	return nil
}

// legacyDirs are the pre-workspaces flat-layout directories under the
// data root that map one-to-one onto workspace directories.
var legacyDirs = []string{"sessions", "storage", "knowledge"}

// MigrateLegacyLayout copies a flat single-agent layout under dataDir
// into the default agent's workspace. Existing workspace files win, and
// failures are skipped.
func MigrateLegacyLayout(dataDir, workspaceDir string) {
	for _, dir := range legacyDirs {
		copyMissing(filepath.Join(dataDir, dir), filepath.Join(workspaceDir, dir))
	}
}

func copyMissing(src, dst string) {
	entries, err := os.ReadDir(src)
	if err != nil || len(entries) == 0 {
		return
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return
	}
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			copyMissing(from, to)
			continue
		}
		if _, err := os.Stat(to); err == nil {
			continue
		}
		if raw, err := os.ReadFile(from); err == nil {
			_ = os.WriteFile(to, raw, 0o644)
		}
	}
}

// migrateLegacyMemory moves a root-level MEMORY.md into memory/ when the
// canonical file is still absent or untouched.
func migrateLegacyMemory(workspaceDir string) {
	legacyPath := filepath.Join(workspaceDir, "MEMORY.md")
	legacy, err := os.ReadFile(legacyPath)
	if err != nil || strings.TrimSpace(string(legacy)) == "" {
		return
	}

	canonicalPath := filepath.Join(workspaceDir, "memory", "MEMORY.md")
	canonical, err := os.ReadFile(canonicalPath)
	if err == nil && string(canonical) != MemoryPlaceholder && strings.TrimSpace(string(canonical)) != "" {
		return
	}
	if storage.WriteFileAtomic(nil, canonicalPath, legacy) == nil {
		_ = os.Remove(legacyPath)
	}
}
