package storage

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/miniclaw/miniclaw/pkg/redact"
)

// Audit schema identifiers, one per record stream.
const (
	SchemaRun         = "audit.run.v1"
	SchemaStep        = "audit.step.v1"
	SchemaToolCall    = "audit.tool_call.v1"
	SchemaMessageLink = "audit.message_link.v1"
)

// AuditStore appends structured, redacted JSONL rows under
// <root>/storage/audit/.
type AuditStore struct {
	dir      string
	registry *LockRegistry
}

func NewAuditStore(rootDir string, registry *LockRegistry) *AuditStore {
	if registry == nil {
		registry = Locks()
	}
	store := &AuditStore{
		dir:      filepath.Join(rootDir, "storage", "audit"),
		registry: registry,
	}
	store.writeSchemaDescriptor()
	return store
}

func (s *AuditStore) writeSchemaDescriptor() {
	descriptor := map[string]interface{}{
		"schemas": map[string]string{
			"runs":          SchemaRun,
			"steps":         SchemaStep,
			"tool_calls":    SchemaToolCall,
			"message_links": SchemaMessageLink,
		},
		"format": "jsonl",
	}
	raw, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return
	}
	_ = WriteFileAtomic(s.registry, filepath.Join(s.dir, "SCHEMA.json"), append(raw, '\n'))
}

func (s *AuditStore) append(file, schema string, fields map[string]interface{}) error {
	row := map[string]interface{}{
		"schema":       schema,
		"timestamp_ms": time.Now().UnixMilli(),
	}
	for key, value := range fields {
		row[key] = value
	}
	redacted := redact.Value(row).(map[string]interface{})
	return AppendJSONL(s.registry, filepath.Join(s.dir, file), redacted)
}

// RecordRun logs the start or completion of a run.
func (s *AuditStore) RecordRun(fields map[string]interface{}) error {
	return s.append("runs.jsonl", SchemaRun, fields)
}

// RecordStep logs one orchestrator step transition.
func (s *AuditStore) RecordStep(fields map[string]interface{}) error {
	return s.append("steps.jsonl", SchemaStep, fields)
}

// RecordToolCall logs a sandboxed tool invocation outcome.
func (s *AuditStore) RecordToolCall(fields map[string]interface{}) error {
	return s.append("tool_calls.jsonl", SchemaToolCall, fields)
}

// RecordMessageLink ties a persisted session message to its run.
func (s *AuditStore) RecordMessageLink(fields map[string]interface{}) error {
	return s.append("message_links.jsonl", SchemaMessageLink, fields)
}

// ToolCalls returns the most recent tool-call rows, oldest first.
func (s *AuditStore) ToolCalls(limit int) []map[string]interface{} {
	return TailJSONL(filepath.Join(s.dir, "tool_calls.jsonl"), limit)
}
