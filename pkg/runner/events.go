// Package runner drives one agent turn end to end: prompt assembly,
// provider streaming, tool interleaving, usage aggregation, and session
// persistence.
package runner

// Event types, in the rough order they appear within a run.
const (
	EventRetrieval   = "retrieval"
	EventRunStart    = "run_start"
	EventAgentUpdate = "agent_update"
	EventToolStart   = "tool_start"
	EventToolEnd     = "tool_end"
	EventNewResponse = "new_response"
	EventReasoning   = "reasoning"
	EventToken       = "token"
	EventUsage       = "usage"
	EventDone        = "done"
	EventError       = "error"
	EventTitle       = "title"
)

// Event is one orchestrator emission. Data keys depend on Type.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
