package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/redact"
	"github.com/miniclaw/miniclaw/pkg/storage"
)

// Runner executes tools with the policy check, the retry guard, panic
// containment, and audit logging applied uniformly.
type Runner struct {
	registry *Registry
	cfg      *config.ToolsConfig
	rootDir  string
	audit    *storage.AuditStore
	locks    *storage.LockRegistry
	guard    *RetryGuard
}

func NewRunner(registry *Registry, cfg *config.ToolsConfig, rootDir string,
	audit *storage.AuditStore, locks *storage.LockRegistry) *Runner {
	if locks == nil {
		locks = storage.Locks()
	}
	return &Runner{
		registry: registry,
		cfg:      cfg,
		rootDir:  rootDir,
		audit:    audit,
		locks:    locks,
		guard:    NewRetryGuard(cfg.RepeatIdenticalFailureLimit),
	}
}

func (r *Runner) Registry() *Registry { return r.registry }

func (r *Runner) auditPath() string {
	return filepath.Join(r.rootDir, "storage", "tool_audit.jsonl")
}

func (r *Runner) logRow(event string, tc Context, fields map[string]interface{}) {
	row := map[string]interface{}{
		"event":        event,
		"timestamp_ms": time.Now().UnixMilli(),
		"run_id":       tc.RunID,
		"session_id":   tc.SessionID,
		"agent_id":     tc.AgentID,
		"trigger":      tc.Trigger,
	}
	for k, v := range fields {
		row[k] = v
	}
	if err := storage.AppendJSONL(r.locks, r.auditPath(), redact.Value(row).(map[string]interface{})); err != nil {
		slog.Debug("Tool audit append failed", "error", err)
	}
}

func runGuarded(ctx context.Context, tool Tool, tc Context, args map[string]interface{}) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Tool panicked", "tool", tool.Name(), "panic", rec)
			result = Fail(ErrInternal, fmt.Sprintf("tool %s panicked: %v", tool.Name(), rec))
		}
	}()
	return tool.Run(ctx, tc, args)
}

// Execute runs one tool call end to end and returns its Result. The
// result is always well formed, including for unknown or denied tools.
func (r *Runner) Execute(ctx context.Context, tc Context, name string, args map[string]interface{}) Result {
	if args == nil {
		args = map[string]interface{}{}
	}
	start := time.Now()
	finish := func(result Result) Result {
		result.Meta.ToolName = name
		result.Meta.DurationMS = time.Since(start).Milliseconds()
		r.logRow("tool_end", tc, map[string]interface{}{
			"tool":        name,
			"ok":          result.OK,
			"code":        result.Code,
			"duration_ms": result.Meta.DurationMS,
			"truncated":   result.Meta.Truncated,
		})
		if r.audit != nil {
			_ = r.audit.RecordToolCall(map[string]interface{}{
				"run_id":      tc.RunID,
				"session_id":  tc.SessionID,
				"agent_id":    tc.AgentID,
				"trigger":     tc.Trigger,
				"tool":        name,
				"args":        redact.Value(args),
				"ok":          result.OK,
				"code":        result.Code,
				"duration_ms": result.Meta.DurationMS,
			})
		}
		return result
	}

	r.logRow("tool_start", tc, map[string]interface{}{"tool": name, "args": args})

	ctx, span := otel.Tracer("miniclaw/tools").Start(ctx, "tool."+name)
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.trigger", tc.Trigger),
	)
	defer span.End()

	tool, ok := r.registry.Get(name)
	if !ok {
		span.SetStatus(codes.Error, "unknown tool")
		return finish(Fail(ErrNotFound, fmt.Sprintf("unknown tool: %s", name)))
	}
	if !Allowed(tool, tc.Trigger, r.cfg.AutonomousEnabled) {
		span.SetStatus(codes.Error, "policy denied")
		return finish(Fail(ErrPolicyDenied,
			fmt.Sprintf("tool %s is not permitted for trigger %s", name, tc.Trigger)))
	}

	scope := tc.Scope()
	if r.guard.Blocked(scope, name, args) {
		span.SetStatus(codes.Error, "retry limit")
		return finish(Fail(ErrPolicyDenied,
			fmt.Sprintf("tool %s failed %d times with identical arguments; change the arguments or stop",
				name, r.cfg.RepeatIdenticalFailureLimit)))
	}

	result := runGuarded(ctx, tool, tc, args)
	if result.OK {
		r.guard.RecordSuccess(scope, name, args)
	} else {
		r.guard.RecordFailure(scope, name, args)
		span.SetStatus(codes.Error, result.Code)
	}
	return finish(result)
}

// FinishRun releases the retry-guard counters held for a run scope.
// Must be called when the run ends so a later run re-attempts tools
// that kept failing here.
func (r *Runner) FinishRun(tc Context) {
	r.guard.ClearScope(tc.Scope())
}
