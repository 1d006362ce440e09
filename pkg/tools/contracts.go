// Package tools implements the built-in tool surface: contracts, the
// permission policy, and the execution runner shared by chat and the
// schedulers.
package tools

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Stable tool error codes. Every failed Result carries exactly one.
const (
	ErrPolicyDenied = "E_POLICY_DENIED"
	ErrInvalidArgs  = "E_INVALID_ARGS"
	ErrNotFound     = "E_NOT_FOUND"
	ErrInvalidPath  = "E_INVALID_PATH"
	ErrIO           = "E_IO"
	ErrTimeout      = "E_TIMEOUT"
	ErrHTTP         = "E_HTTP"
	ErrExec         = "E_EXEC"
	ErrInternal     = "E_INTERNAL"
)

// Trigger identifies who initiated a run.
const (
	TriggerChat      = "chat"
	TriggerHeartbeat = "heartbeat"
	TriggerCron      = "cron"
)

// Meta is the execution envelope attached to every Result.
type Meta struct {
	ToolName   string   `json:"tool_name"`
	DurationMS int64    `json:"duration_ms"`
	Truncated  bool     `json:"truncated,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Result is the uniform tool outcome. OK results carry Content; failed
// results carry a Code from the closed set above plus a Message.
type Result struct {
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Meta    Meta   `json:"meta"`
}

func Ok(content string) Result {
	return Result{OK: true, Content: content}
}

func Fail(code, message string) Result {
	return Result{OK: false, Code: code, Message: message}
}

// Context carries per-invocation identity into a tool run.
type Context struct {
	RunID     string
	SessionID string
	AgentID   string
	Trigger   string
	RootDir   string
}

// Scope is the retry-guard bucket: per run for chat, per
// session+trigger pair for autonomous runs. Counters live only as long
// as the scope's run.
func (c Context) Scope() string {
	if c.Trigger == TriggerChat && c.RunID != "" {
		return c.RunID
	}
	return "session:" + c.SessionID + ":" + c.Trigger
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Permission() Level
	Run(ctx context.Context, tc Context, args map[string]interface{}) Result
}

// SchemaFor reflects a parameters struct into a plain JSON-schema map
// suitable for provider tool declarations.
func SchemaFor(v interface{}) map[string]interface{} {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	return out
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// truncate caps text at maxChars runes, appending a marker when cut.
func truncate(text string, maxChars int) (string, bool) {
	if maxChars <= 0 {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text, false
	}
	return string(runes[:maxChars]) + "\n...[truncated]", true
}
