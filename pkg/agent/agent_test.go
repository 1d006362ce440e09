package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/llm"
	"github.com/miniclaw/miniclaw/pkg/storage"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	secrets := &config.Secrets{
		LLMProvider: config.ProviderOpenAI,
		LLMModel:    "gpt-4o-mini",
	}
	return NewRegistry(RegistryOptions{
		DataDir: t.TempDir(),
		Secrets: secrets,
		Locks:   storage.NewLockRegistry(),
		NewLLM: func(*config.Secrets, *config.RuntimeConfig) (llm.Client, error) {
			return &llm.FakeClient{}, nil
		},
	})
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID("default"))
	assert.NoError(t, ValidateAgentID("Agent_2-b"))
	assert.Error(t, ValidateAgentID(""))
	assert.Error(t, ValidateAgentID("has space"))
	assert.Error(t, ValidateAgentID("dot.dot"))
	assert.Error(t, ValidateAgentID("../escape"))
}

func TestEnsureDefaultSeedsWorkspace(t *testing.T) {
	r := testRegistry(t)
	a, err := r.EnsureDefault()
	require.NoError(t, err)

	for _, name := range []string{"SOUL.md", "IDENTITY.md", "USER.md", "HEARTBEAT.md", "AGENTS.md", "BOOTSTRAP.md"} {
		_, err := os.Stat(filepath.Join(a.RootDir, "workspace", name))
		assert.NoError(t, err, name)
	}
	raw, err := os.ReadFile(filepath.Join(a.RootDir, "memory", "MEMORY.md"))
	require.NoError(t, err)
	assert.Equal(t, MemoryPlaceholder, string(raw))

	// Seeding again does not clobber user edits.
	soulPath := filepath.Join(a.RootDir, "workspace", "SOUL.md")
	require.NoError(t, os.WriteFile(soulPath, []byte("custom soul"), 0o644))
	require.NoError(t, SeedWorkspace(a.RootDir, ""))
	raw, _ = os.ReadFile(soulPath)
	assert.Equal(t, "custom soul", string(raw))
}

func TestLegacyMemoryMigration(t *testing.T) {
	r := testRegistry(t)
	workspace := r.workspaceFor("legacy")
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "MEMORY.md"),
		[]byte("- user likes postgres\n"), 0o644))

	a, err := r.Get("legacy")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(a.RootDir, "memory", "MEMORY.md"))
	require.NoError(t, err)
	assert.Equal(t, "- user likes postgres\n", string(raw))
	_, err = os.Stat(filepath.Join(workspace, "MEMORY.md"))
	assert.True(t, os.IsNotExist(err), "legacy file removed after migration")
}

func TestLegacyFlatLayoutMigration(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, os.MkdirAll(filepath.Join(r.dataDir, "sessions"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.dataDir, "sessions", "s1.json"),
		[]byte(`{"messages":[]}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(r.dataDir, "storage"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.dataDir, "storage", "usage.jsonl"),
		[]byte("{\"total_tokens\":5}\n"), 0o644))

	a, err := r.EnsureDefault()
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(a.RootDir, "sessions", "s1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"messages":[]}`, string(raw))
	_, err = os.Stat(filepath.Join(a.RootDir, "storage", "usage.jsonl"))
	assert.NoError(t, err)

	// Non-default agents never inherit the flat layout.
	b, err := r.Create("research")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(b.RootDir, "sessions", "s1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateDeleteSemantics(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Create("research")
	require.NoError(t, err)

	_, err = r.Create("research")
	assert.Error(t, err, "creating an existing agent fails")

	_, err = r.Get("unknown")
	assert.Error(t, err)

	assert.Error(t, r.Delete(DefaultAgentID))
	require.NoError(t, r.Delete("research"))
	assert.Error(t, r.Delete("research"))
}

func TestReloadRebuildsLLMOnTemperatureChange(t *testing.T) {
	r := testRegistry(t)
	builds := 0
	r.newLLM = func(*config.Secrets, *config.RuntimeConfig) (llm.Client, error) {
		builds++
		return &llm.FakeClient{}, nil
	}

	a, err := r.EnsureDefault()
	require.NoError(t, err)
	require.Equal(t, 1, builds)

	require.NoError(t, os.WriteFile(a.configPath(),
		[]byte(`{"llm":{"temperature":0.2}}`), 0o644))
	// Ensure the mtime moves even on coarse-grained filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(a.configPath(), future, future))

	_, err = r.Get(DefaultAgentID)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.InDelta(t, 0.2, a.Runtime.LLM.Temperature, 1e-9)

	// Unchanged file: no rebuild.
	_, err = r.Get(DefaultAgentID)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestReloadAppliesGlobalConfigEdit(t *testing.T) {
	r := testRegistry(t)
	a, err := r.EnsureDefault()
	require.NoError(t, err)
	require.NotEqual(t, 4321, a.Runtime.Heartbeat.IntervalSeconds)

	require.NoError(t, os.WriteFile(r.GlobalConfigPath(),
		[]byte(`{"heartbeat":{"interval_seconds":4321}}`), 0o644))

	reloaded, err := r.Get(DefaultAgentID)
	require.NoError(t, err)
	assert.Equal(t, 4321, reloaded.Runtime.Heartbeat.IntervalSeconds,
		"a global config edit applies on the next lookup")
}

func TestPromptBuilderSectionsAndModes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, SeedWorkspace(root, ""))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace", "SOUL.md"), []byte("Be curious."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "memory", "MEMORY.md"),
		[]byte("- remembers the go rewrite\n"), 0o644))

	cfg := config.DefaultRuntimeConfig()
	builder := NewPromptBuilder(root)

	prompt := builder.Build(&cfg, true)
	assert.Contains(t, prompt, "<!-- Soul -->\nBe curious.")
	assert.Contains(t, prompt, "<!-- Long-term Memory -->")
	assert.Contains(t, prompt, "remembers the go rewrite")
	assert.Less(t, strings.Index(prompt, "<!-- Soul -->"),
		strings.Index(prompt, "<!-- Long-term Memory -->"),
		"sections keep their fixed order")

	// RAG mode replaces the memory file with tool guidance.
	cfg.RAGMode = true
	ragPrompt := builder.Build(&cfg, true)
	assert.NotContains(t, ragPrompt, "remembers the go rewrite")
	assert.Contains(t, ragPrompt, "search_knowledge_base")

	// First-turn-only mode yields nothing after the first turn.
	cfg.PromptInjectionMode = config.InjectFirstTurnOnly
	assert.Empty(t, builder.Build(&cfg, false))
	assert.NotEmpty(t, builder.Build(&cfg, true))
}

func TestPromptBuilderTruncation(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, SeedWorkspace(root, ""))
	big := make([]byte, 500)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace", "SOUL.md"), big, 0o644))

	cfg := config.DefaultRuntimeConfig()
	cfg.Bootstrap.MaxChars = 100
	cfg.Bootstrap.TotalMaxChars = 250

	prompt := NewPromptBuilder(root).Build(&cfg, true)
	assert.Contains(t, prompt, "...[truncated]")
	assert.Contains(t, prompt, "...[truncated_total]")
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Postgres Tuning Help", CleanTitle(`"Postgres Tuning Help."`))
	assert.Equal(t, "First line", CleanTitle("First line\nsecond line"))
	long := CleanTitle("word word word word word word word word word word word word word word")
	assert.LessOrEqual(t, len([]rune(long)), titleMaxChars)
}

func TestGenerateTitleUsesClient(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{{
		{Type: llm.EventToken, Token: "Weekend Trip Ideas", Source: "messages"},
		{Type: llm.EventDone},
	}}}
	title := GenerateTitle(context.Background(), fake, "what should I do this weekend?")
	assert.Equal(t, "Weekend Trip Ideas", title)
	assert.Empty(t, GenerateTitle(context.Background(), fake, "   "))
}
