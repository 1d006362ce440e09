package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/miniclaw/miniclaw/pkg/config"
)

// ragMemoryGuidance replaces the inlined memory file when RAG mode is
// on; the model pulls memory through search_knowledge_base instead.
const ragMemoryGuidance = "Long-term memory is not inlined. Use the search_knowledge_base tool " +
	"to look up remembered facts when the conversation needs them."

type promptSection struct {
	Label string
	File  string
}

// promptSections is the fixed assembly order of the system prompt.
var promptSections = []promptSection{
	{"Skills Snapshot", "SKILLS_SNAPSHOT.md"},
	{"Soul", "workspace/SOUL.md"},
	{"Identity", "workspace/IDENTITY.md"},
	{"User Profile", "workspace/USER.md"},
	{"Heartbeat Guide", "workspace/HEARTBEAT.md"},
	{"Agents Guide", "workspace/AGENTS.md"},
	{"Long-term Memory", "memory/MEMORY.md"},
}

// PromptBuilder assembles the layered system prompt with per-section
// and total size caps, cached on source file mtimes.
type PromptBuilder struct {
	rootDir string

	mu        sync.Mutex
	cacheKey  string
	cacheText string
}

func NewPromptBuilder(rootDir string) *PromptBuilder {
	return &PromptBuilder{rootDir: rootDir}
}

func truncateSection(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + "\n...[truncated]"
}

func (b *PromptBuilder) cacheKeyFor(cfg *config.RuntimeConfig, firstTurn bool) string {
	var mtimes []string
	for _, section := range promptSections {
		path := filepath.Join(b.rootDir, filepath.FromSlash(section.File))
		if info, err := os.Stat(path); err == nil {
			mtimes = append(mtimes, fmt.Sprintf("%s=%d", section.File, info.ModTime().UnixNano()))
		} else {
			mtimes = append(mtimes, section.File+"=missing")
		}
	}
	sort.Strings(mtimes)
	payload := fmt.Sprintf("rag=%t mode=%s first=%t max=%d total=%d %s",
		cfg.RAGMode, cfg.PromptInjectionMode, firstTurn,
		cfg.Bootstrap.MaxChars, cfg.Bootstrap.TotalMaxChars, strings.Join(mtimes, " "))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Build renders the system prompt. With first-turn-only injection the
// prompt is empty on every turn after the first.
func (b *PromptBuilder) Build(cfg *config.RuntimeConfig, firstTurn bool) string {
	if cfg.PromptInjectionMode == config.InjectFirstTurnOnly && !firstTurn {
		return ""
	}

	key := b.cacheKeyFor(cfg, firstTurn)
	b.mu.Lock()
	if key == b.cacheKey {
		cached := b.cacheText
		b.mu.Unlock()
		return cached
	}
	b.mu.Unlock()

	var parts []string
	for _, section := range promptSections {
		content := ""
		if section.File == "memory/MEMORY.md" && cfg.RAGMode {
			content = ragMemoryGuidance
		} else {
			path := filepath.Join(b.rootDir, filepath.FromSlash(section.File))
			raw, err := os.ReadFile(path)
			if err != nil {
				content = fmt.Sprintf("[MISSING FILE: %s]", section.File)
			} else {
				content = strings.TrimSpace(string(raw))
			}
		}
		if content == "" {
			continue
		}
		content = truncateSection(content, cfg.Bootstrap.MaxChars)
		parts = append(parts, fmt.Sprintf("<!-- %s -->\n%s", section.Label, content))
	}

	prompt := strings.Join(parts, "\n\n")
	if total := cfg.Bootstrap.TotalMaxChars; total > 0 {
		runes := []rune(prompt)
		if len(runes) > total {
			prompt = string(runes[:total]) + "\n...[truncated_total]"
		}
	}

	b.mu.Lock()
	b.cacheKey = key
	b.cacheText = prompt
	b.mu.Unlock()
	return prompt
}
