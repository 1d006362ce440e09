package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/miniclaw/miniclaw/pkg/config"
)

// GoogleClient streams completions from the Gemini API.
type GoogleClient struct {
	client      *genai.Client
	model       string
	temperature float64
	timeout     time.Duration
}

func NewGoogleClient(secrets *config.Secrets, runtime *config.RuntimeConfig) (*GoogleClient, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  secrets.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GoogleClient{
		client:      client,
		model:       secrets.LLMModel,
		temperature: runtime.LLM.Temperature,
		timeout:     time.Duration(runtime.LLM.TimeoutSeconds) * time.Second,
	}, nil
}

func (c *GoogleClient) Provider() string { return config.ProviderGoogle }
func (c *GoogleClient) Model() string    { return c.model }

func encodeContents(messages []Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			parts := []*genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: call.Name, Args: call.Args},
				})
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case RoleTool:
			part := genai.NewPartFromFunctionResponse(msg.ToolName,
				map[string]any{"result": msg.Content})
			out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return out
}

func encodeFunctionDecls(decls []ToolDecl) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	fns := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, decl := range decls {
		fns = append(fns, &genai.FunctionDeclaration{
			Name:                 decl.Name,
			Description:          decl.Description,
			ParametersJsonSchema: decl.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}
}

func googleUsage(meta *genai.GenerateContentResponseUsageMetadata, model string) map[string]interface{} {
	if meta == nil {
		return nil
	}
	return map[string]interface{}{
		"provider":                config.ProviderGoogle,
		"model":                   model,
		"model_source":            "api",
		"usage_source":            "provider",
		"input_tokens":            meta.PromptTokenCount,
		"output_tokens":           meta.CandidatesTokenCount,
		"total_tokens":            meta.TotalTokenCount,
		"input_cache_read_tokens": meta.CachedContentTokenCount,
		"reasoning_tokens":        meta.ThoughtsTokenCount,
	}
}

func (c *GoogleClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	cfg := &genai.GenerateContentConfig{
		Tools: encodeFunctionDecls(req.Tools),
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	cfg.Temperature = genai.Ptr(float32(temperature))
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var toolCalls []ToolCall
		var usage map[string]interface{}
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, encodeContents(req.Messages), cfg) {
			if err != nil {
				events <- Event{Type: EventError, Err: err}
				return
			}
			if meta := googleUsage(resp.UsageMetadata, c.model); meta != nil {
				usage = meta
			}
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					switch {
					case part.FunctionCall != nil:
						toolCalls = append(toolCalls, ToolCall{
							ID:   part.FunctionCall.ID,
							Name: part.FunctionCall.Name,
							Args: part.FunctionCall.Args,
						})
					case part.Thought && part.Text != "":
						events <- Event{Type: EventReasoning, Token: part.Text}
					case part.Text != "":
						events <- Event{Type: EventToken, Token: part.Text, Source: "messages"}
					}
				}
			}
		}
		if usage != nil {
			events <- Event{Type: EventUsage, Usage: usage}
		}
		if len(toolCalls) > 0 {
			events <- Event{Type: EventToolCalls, ToolCalls: toolCalls}
		}
		events <- Event{Type: EventDone}
	}()
	return events, nil
}

func (c *GoogleClient) Complete(ctx context.Context, req Request) (string, error) {
	events, err := c.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return collectText(events)
}
