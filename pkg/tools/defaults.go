package tools

import "github.com/miniclaw/miniclaw/pkg/config"

// NewDefaultRegistry wires the built-in tool set for one agent.
func NewDefaultRegistry(cfg *config.ToolsConfig, secrets *config.Secrets, retriever KnowledgeRetriever) *Registry {
	registry := NewRegistry()
	registry.Register(NewTerminalTool(cfg))
	registry.Register(NewPythonTool(cfg))
	registry.Register(NewFetchURLTool(cfg))
	registry.Register(NewReadFileTool(cfg.FileMaxOutputChars))
	registry.Register(NewReadFilesTool(cfg.FileMaxOutputChars))
	registry.Register(NewApplyPatchTool())
	registry.Register(NewWebSearchTool(secrets.BraveAPIKey))
	registry.Register(NewSearchKnowledgeTool(retriever))
	return registry
}
