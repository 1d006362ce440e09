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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/llm"
	"github.com/miniclaw/miniclaw/pkg/retrieval"
	"github.com/miniclaw/miniclaw/pkg/session"
	"github.com/miniclaw/miniclaw/pkg/storage"
	"github.com/miniclaw/miniclaw/pkg/tools"
)

// RuntimeConfigFile is the per-agent override file inside a workspace.
const RuntimeConfigFile = "config.json"

// Agent bundles everything bound to one workspace.
type Agent struct {
	ID      string
	RootDir string

	Secrets   *config.Secrets
	Runtime   *config.RuntimeConfig
	Digest    string
	Sessions  *session.Manager
	Prompt    *PromptBuilder
	Runner    *tools.Runner
	Audit     *storage.AuditStore
	Usage     *storage.UsageStore
	Memory    *retrieval.Indexer
	Knowledge *retrieval.Indexer
	LLM       llm.Client
	Locks     *storage.LockRegistry

	mu            sync.Mutex
	configMtimeNS int64
	globalMtimeNS int64
}

// knowledgeAdapter exposes the knowledge indexer through the tool
// contract.
type knowledgeAdapter struct {
	indexer *retrieval.Indexer
}

func (a knowledgeAdapter) RetrieveKnowledge(ctx context.Context, query string, topK int) ([]tools.KnowledgeHit, error) {
	results, err := a.indexer.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	hits := make([]tools.KnowledgeHit, 0, len(results))
	for _, result := range results {
		hits = append(hits, tools.KnowledgeHit{Text: result.Text, Score: result.Score, Source: result.Source})
	}
	return hits, nil
}

func (a *Agent) configPath() string {
	return filepath.Join(a.RootDir, RuntimeConfigFile)
}

func fileMtimeNS(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

func (a *Agent) configMtime() int64 {
	return fileMtimeNS(a.configPath())
}

// ReloadConfig re-reads the layered runtime config when either the
// global config or the agent's override file changed on disk. The LLM
// client is rebuilt only when a change affects it.
func (a *Agent) ReloadConfig(globalConfigPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	mtime := a.configMtime()
	globalMtime := fileMtimeNS(globalConfigPath)
	if mtime == a.configMtimeNS && globalMtime == a.globalMtimeNS {
		return nil
	}

	runtime, err := config.LoadEffectiveRuntimeConfig(globalConfigPath, a.configPath())
	if err != nil {
		return err
	}
	rebuildLLM := runtime.LLM.Temperature != a.Runtime.LLM.Temperature ||
		runtime.LLM.TimeoutSeconds != a.Runtime.LLM.TimeoutSeconds

	*a.Runtime = runtime
	a.Digest = config.RuntimeConfigDigest(runtime)
	a.configMtimeNS = mtime
	a.globalMtimeNS = globalMtime

	if rebuildLLM {
		client, err := llm.New(a.Secrets, a.Runtime)
		if err != nil {
			return fmt.Errorf("rebuild llm client: %w", err)
		}
		a.LLM = client
		slog.Info("LLM client rebuilt after config change", "agent", a.ID,
			"temperature", runtime.LLM.Temperature, "timeout_seconds", runtime.LLM.TimeoutSeconds)
	}
	return nil
}

// SaveRuntimeConfig persists the agent's runtime config as a delta
// against defaults.
func (a *Agent) SaveRuntimeConfig() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := config.SaveRuntimeConfigToPath(a.configPath(), *a.Runtime); err != nil {
		return err
	}
	a.Digest = config.RuntimeConfigDigest(*a.Runtime)
	a.configMtimeNS = a.configMtime()
	return nil
}

// Registry manages the agent collection under dataDir/workspaces.
type Registry struct {
	dataDir     string
	templateDir string
	secrets     *config.Secrets
	locks       *storage.LockRegistry
	newLLM      func(*config.Secrets, *config.RuntimeConfig) (llm.Client, error)

	mu     sync.Mutex
	agents map[string]*Agent
}

// RegistryOptions configures agent construction.
type RegistryOptions struct {
	DataDir     string
	TemplateDir string
	Secrets     *config.Secrets
	Locks       *storage.LockRegistry

	// NewLLM overrides provider client construction, used by tests.
	NewLLM func(*config.Secrets, *config.RuntimeConfig) (llm.Client, error)
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Locks == nil {
		opts.Locks = storage.Locks()
	}
	if opts.NewLLM == nil {
		opts.NewLLM = llm.New
	}
	return &Registry{
		dataDir:     opts.DataDir,
		templateDir: opts.TemplateDir,
		secrets:     opts.Secrets,
		locks:       opts.Locks,
		newLLM:      opts.NewLLM,
		agents:      make(map[string]*Agent),
	}
}

func (r *Registry) workspacesDir() string {
	return filepath.Join(r.dataDir, "workspaces")
}

// GlobalConfigPath is the shared base layer for every agent.
func (r *Registry) GlobalConfigPath() string {
	return filepath.Join(r.dataDir, "config.json")
}

func (r *Registry) workspaceFor(id string) string {
	return filepath.Join(r.workspacesDir(), id)
}

func (r *Registry) build(id string) (*Agent, error) {
	workspaceDir := r.workspaceFor(id)
	if err := SeedWorkspace(workspaceDir, r.templateDir); err != nil {
		return nil, err
	}
	if id == DefaultAgentID {
		MigrateLegacyLayout(r.dataDir, workspaceDir)
	}

	runtime, err := config.LoadEffectiveRuntimeConfig(r.GlobalConfigPath(),
		filepath.Join(workspaceDir, RuntimeConfigFile))
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		ID:       id,
		RootDir:  workspaceDir,
		Secrets:  r.secrets,
		Runtime:  &runtime,
		Digest:   config.RuntimeConfigDigest(runtime),
		Sessions: session.NewManager(workspaceDir, r.locks),
		Prompt:   NewPromptBuilder(workspaceDir),
		Audit:    storage.NewAuditStore(workspaceDir, r.locks),
		Usage:    storage.NewUsageStore(workspaceDir, r.locks),
		Locks:    r.locks,
	}
	agent.configMtimeNS = agent.configMtime()
	agent.globalMtimeNS = fileMtimeNS(r.GlobalConfigPath())

	embedder := retrieval.NewEmbedder(*r.secrets)
	agent.Memory = retrieval.NewIndexer(workspaceDir, retrieval.DomainMemory, embedder,
		runtime.Retrieval.Memory, runtime.Retrieval.Storage, r.locks)
	agent.Knowledge = retrieval.NewIndexer(workspaceDir, retrieval.DomainKnowledge, embedder,
		runtime.Retrieval.Knowledge, runtime.Retrieval.Storage, r.locks)

	client, err := r.newLLM(r.secrets, agent.Runtime)
	if err != nil {
		return nil, fmt.Errorf("build llm client for agent %s: %w", id, err)
	}
	agent.LLM = client

	registry := tools.NewDefaultRegistry(&agent.Runtime.Tools, r.secrets,
		knowledgeAdapter{indexer: agent.Knowledge})
	agent.Runner = tools.NewRunner(registry, &agent.Runtime.Tools, workspaceDir, agent.Audit, r.locks)

	if _, err := tools.WriteSkillsSnapshot(workspaceDir, r.locks); err != nil {
		slog.Debug("Skills snapshot write failed", "agent", id, "error", err)
	}
	return agent, nil
}

// EnsureDefault creates the default agent if needed.
func (r *Registry) EnsureDefault() (*Agent, error) {
	return r.Get(DefaultAgentID)
}

// Get returns the agent, constructing it on first use. Unknown ids fail
// unless the workspace directory already exists or id is the default.
func (r *Registry) Get(id string) (*Agent, error) {
	if err := ValidateAgentID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[id]; ok {
		if err := agent.ReloadConfig(r.GlobalConfigPath()); err != nil {
			slog.Warn("Agent config reload failed", "agent", id, "error", err)
		}
		return agent, nil
	}

	if id != DefaultAgentID {
		if _, err := os.Stat(r.workspaceFor(id)); err != nil {
			return nil, fmt.Errorf("agent %s not found", id)
		}
	}
	agent, err := r.build(id)
	if err != nil {
		return nil, err
	}
	r.agents[id] = agent
	return agent, nil
}

// Create provisions a new agent workspace. Creating an existing agent
// is an error.
func (r *Registry) Create(id string) (*Agent, error) {
	if err := ValidateAgentID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; ok {
		return nil, fmt.Errorf("agent %s already exists", id)
	}
	if _, err := os.Stat(r.workspaceFor(id)); err == nil {
		return nil, fmt.Errorf("agent %s already exists", id)
	}

	agent, err := r.build(id)
	if err != nil {
		return nil, err
	}
	r.agents[id] = agent
	return agent, nil
}

// Delete removes an agent and its workspace. The default agent cannot
// be deleted.
func (r *Registry) Delete(id string) error {
	if err := ValidateAgentID(id); err != nil {
		return err
	}
	if id == DefaultAgentID {
		return fmt.Errorf("the default agent cannot be deleted")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.workspaceFor(id)); err != nil {
		return fmt.Errorf("agent %s not found", id)
	}
	delete(r.agents, id)
	return os.RemoveAll(r.workspaceFor(id))
}

// List enumerates workspace directories, sorted.
func (r *Registry) List() []string {
	entries, err := os.ReadDir(r.workspacesDir())
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && ValidateAgentID(entry.Name()) == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids
}
