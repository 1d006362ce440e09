package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/miniclaw/miniclaw/pkg/config"
)

// OpenAIClient speaks the Chat Completions API, which also covers
// OpenAI-compatible providers through a custom base URL.
type OpenAIClient struct {
	client      openai.Client
	model       string
	provider    string
	temperature float64
	timeout     time.Duration
}

func NewOpenAIClient(secrets *config.Secrets, runtime *config.RuntimeConfig) (*OpenAIClient, error) {
	opts := []option.RequestOption{option.WithAPIKey(secrets.LLMAPIKey)}
	if secrets.LLMBaseURL != "" {
		opts = append(opts, option.WithBaseURL(secrets.LLMBaseURL))
	}
	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		model:       secrets.LLMModel,
		provider:    secrets.LLMProvider,
		temperature: runtime.LLM.Temperature,
		timeout:     time.Duration(runtime.LLM.TimeoutSeconds) * time.Second,
	}, nil
}

func (c *OpenAIClient) Provider() string { return c.provider }
func (c *OpenAIClient) Model() string    { return c.model }

func encodeMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Args)
				if err != nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls,
					openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: call.ID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      call.Name,
								Arguments: string(args),
							},
						},
					})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func encodeToolDecls(decls []ToolDecl) []openai.ChatCompletionToolUnionParam {
	var out []openai.ChatCompletionToolUnionParam
	for _, decl := range decls {
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        decl.Name,
			Description: openai.String(decl.Description),
			Parameters:  shared.FunctionParameters(decl.Parameters),
		}))
	}
	return out
}

func decodeToolCalls(calls []openai.ChatCompletionMessageToolCallUnion) []ToolCall {
	var out []ToolCall
	for _, call := range calls {
		fn := call.Function
		args := map[string]interface{}{}
		if fn.Arguments != "" {
			_ = json.Unmarshal([]byte(fn.Arguments), &args)
		}
		out = append(out, ToolCall{ID: call.ID, Name: fn.Name, Args: args})
	}
	return out
}

func openaiUsage(usage openai.CompletionUsage, provider, model string) map[string]interface{} {
	return map[string]interface{}{
		"provider":                provider,
		"model":                   model,
		"model_source":            "api",
		"usage_source":            "provider",
		"input_tokens":            usage.PromptTokens,
		"output_tokens":           usage.CompletionTokens,
		"total_tokens":            usage.TotalTokens,
		"input_cache_read_tokens": usage.PromptTokensDetails.CachedTokens,
		"reasoning_tokens":        usage.CompletionTokensDetails.ReasoningTokens,
	}
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: encodeMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if tools := encodeToolDecls(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	params.Temperature = openai.Float(temperature)

	events := make(chan Event)
	go func() {
		defer close(events)
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 {
				delta := chunk.Choices[0].Delta
				if delta.Content != "" {
					events <- Event{Type: EventToken, Token: delta.Content, Source: "messages"}
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				events <- Event{Type: EventUsage, Usage: openaiUsage(chunk.Usage, c.provider, c.model)}
			}
		}
		if err := stream.Err(); err != nil {
			events <- Event{Type: EventError, Err: err}
			return
		}
		if len(acc.Choices) > 0 {
			if calls := decodeToolCalls(acc.Choices[0].Message.ToolCalls); len(calls) > 0 {
				events <- Event{Type: EventToolCalls, ToolCalls: calls}
			}
		}
		events <- Event{Type: EventDone}
	}()
	return events, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	events, err := c.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return collectText(events)
}
