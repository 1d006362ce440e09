// Package llm abstracts the chat-completion providers behind a single
// streaming client interface.
package llm

import (
	"context"
	"fmt"

	"github.com/miniclaw/miniclaw/pkg/config"
)

// Roles used in conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Message is one provider-facing conversation entry.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolDecl advertises one tool to the provider.
type ToolDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one streaming completion call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDecl
	Temperature  float64
}

// Event types emitted on a stream.
const (
	EventToken     = "token"
	EventReasoning = "reasoning"
	EventToolCalls = "tool_calls"
	EventUsage     = "usage"
	EventDone      = "done"
	EventError     = "error"
)

// Event is one streamed increment. Token events carry Source so the
// consumer can pin itself to a single token channel when a provider
// reports the same text more than once.
type Event struct {
	Type      string
	Token     string
	Source    string
	ToolCalls []ToolCall
	Usage     map[string]interface{}
	Err       error
}

// Client streams chat completions from one provider.
type Client interface {
	Provider() string
	Model() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
	Complete(ctx context.Context, req Request) (string, error)
}

// New builds the provider client selected by the secrets.
func New(secrets *config.Secrets, runtime *config.RuntimeConfig) (Client, error) {
	switch secrets.LLMProvider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(secrets, runtime)
	case config.ProviderGoogle:
		return NewGoogleClient(secrets, runtime)
	}
	return nil, fmt.Errorf("unsupported llm provider: %s", secrets.LLMProvider)
}

// collectText drains a stream into the final text, for non-interactive
// callers like title generation.
func collectText(events <-chan Event) (string, error) {
	text := ""
	source := ""
	for event := range events {
		switch event.Type {
		case EventToken:
			if source == "" {
				source = event.Source
			}
			if event.Source == source {
				text += event.Token
			}
		case EventError:
			return text, event.Err
		}
	}
	return text, nil
}
