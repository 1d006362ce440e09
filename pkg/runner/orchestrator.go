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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/llm"
	"github.com/miniclaw/miniclaw/pkg/session"
	"github.com/miniclaw/miniclaw/pkg/storage"
	"github.com/miniclaw/miniclaw/pkg/tools"
	"github.com/miniclaw/miniclaw/pkg/usage"
)

// liveSnapshotCadence is the minimum interval between live-response
// writes; tool transitions and segment boundaries force a write.
const liveSnapshotCadence = 350 * time.Millisecond

// TurnRequest describes one turn to execute.
type TurnRequest struct {
	SessionID string
	Trigger   string
	Message   string

	// PersistUserUpfront saves the user message before streaming starts
	// (chat). When false the user+assistant pair is saved together at
	// completion (schedulers).
	PersistUserUpfront bool

	// SkipSaveExact suppresses session persistence when the final
	// assistant content equals this string exactly.
	SkipSaveExact string
}

// Orchestrator runs turns for one agent.
type Orchestrator struct {
	agent *agent.Agent

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
	now   func() time.Time
}

func New(a *agent.Agent) *Orchestrator {
	return &Orchestrator{agent: a, sleep: time.Sleep, now: time.Now}
}

// turnState is the per-attempt mutable state.
type turnState struct {
	runID        string
	sessionID    string
	content      string
	toolCalls    []map[string]interface{}
	segments     []session.Message
	pendingBreak bool

	acc           *usage.Accumulator
	lastSignature string
	usageSeq      int

	lastSnapshot time.Time
}

func (o *Orchestrator) eventsLogPath() string {
	return filepath.Join(o.agent.RootDir, "storage", "runs_events.jsonl")
}

// Stream executes the turn in a background goroutine and returns the
// event channel. The producer always terminates with done or error and
// never blocks on a slow consumer beyond channel capacity.
func (o *Orchestrator) Stream(ctx context.Context, req TurnRequest) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) emit(events chan<- Event, event Event) {
	if event.Type != EventToken && event.Type != EventReasoning {
		row := map[string]interface{}{"type": event.Type, "timestamp_ms": o.now().UnixMilli()}
		for k, v := range event.Data {
			row[k] = v
		}
		if err := storage.AppendJSONL(o.agent.Locks, o.eventsLogPath(), row); err != nil {
			slog.Debug("Run event log append failed", "error", err)
		}
	}
	events <- event
}

func (o *Orchestrator) snapshotLive(state *turnState, force bool) {
	if !force && o.now().Sub(state.lastSnapshot) < liveSnapshotCadence {
		return
	}
	state.lastSnapshot = o.now()
	_ = o.agent.Sessions.SetLiveResponse(state.sessionID, &session.LiveResponse{
		RunID:     state.runID,
		Content:   state.content,
		ToolCalls: state.toolCalls,
		UpdatedAt: float64(o.now().UnixMilli()) / 1000.0,
	})
}

// Run executes the turn synchronously and returns the final assistant
// content. Used by the schedulers.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (string, error) {
	final := ""
	var runErr error
	for event := range o.Stream(ctx, req) {
		switch event.Type {
		case EventDone:
			if content, ok := event.Data["content"].(string); ok {
				final = content
			}
		case EventError:
			message, _ := event.Data["message"].(string)
			runErr = fmt.Errorf("%s", message)
		}
	}
	return final, runErr
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, events chan<- Event) {
	runtime := o.agent.Runtime
	sessions := o.agent.Sessions

	sess, err := sessions.Load(req.SessionID, false)
	if err != nil {
		o.emit(events, Event{Type: EventError, Data: map[string]interface{}{"message": err.Error()}})
		return
	}
	firstTurn := len(sess.Messages) == 0

	if runtime.RAGMode && o.agent.Memory != nil {
		results, err := o.agent.Memory.Retrieve(ctx, req.Message, runtime.Retrieval.Memory.TopK)
		if err == nil && len(results) > 0 {
			rows := make([]map[string]interface{}, 0, len(results))
			for _, result := range results {
				rows = append(rows, map[string]interface{}{
					"text": result.Text, "score": result.Score, "source": result.Source,
				})
			}
			o.emit(events, Event{Type: EventRetrieval, Data: map[string]interface{}{
				"domain": "memory", "count": len(rows), "results": rows,
			}})
		}
	}

	systemPrompt := o.agent.Prompt.Build(runtime, firstTurn)
	history := providerHistory(sess, req.Message)

	if req.PersistUserUpfront {
		if err := sessions.AppendMessages(req.SessionID, session.Message{Role: "user", Content: req.Message}); err != nil {
			o.emit(events, Event{Type: EventError, Data: map[string]interface{}{"message": err.Error()}})
			return
		}
	}

	var lastErr error
	for attempt := 0; attempt <= runtime.Agent.MaxRetries; attempt++ {
		if attempt > 0 {
			o.sleep(time.Duration(float64(time.Second) * 0.5 * float64(int(1)<<uint(attempt-1))))
		}
		state := &turnState{
			runID:     uuid.NewString(),
			acc:       usage.NewAccumulator(),
			sessionID: req.SessionID,
		}
		o.emit(events, Event{Type: EventRunStart, Data: map[string]interface{}{
			"run_id": state.runID, "attempt": attempt, "session_id": req.SessionID, "agent_id": o.agent.ID,
		}})
		o.snapshotLive(state, true)

		err := o.attempt(ctx, req, state, history, systemPrompt, events)
		o.agent.Runner.FinishRun(tools.Context{
			RunID:     state.runID,
			SessionID: req.SessionID,
			AgentID:   o.agent.ID,
			Trigger:   req.Trigger,
			RootDir:   o.agent.RootDir,
		})
		if err == nil {
			o.finish(ctx, req, state, firstTurn, events)
			return
		}
		lastErr = err
		slog.Warn("Run attempt failed", "agent", o.agent.ID, "session", req.SessionID,
			"attempt", attempt, "error", err)
	}

	_ = sessions.ClearLiveResponse(req.SessionID)
	o.recordRun("", req, "error", lastErr)
	o.emit(events, Event{Type: EventError, Data: map[string]interface{}{
		"message": lastErr.Error(), "session_id": req.SessionID,
	}})
}

// providerHistory converts stored messages plus the new user message
// into the provider-facing shape, prepending compressed context.
func providerHistory(sess *session.Session, userMessage string) []llm.Message {
	var history []llm.Message
	if strings.TrimSpace(sess.CompressedContext) != "" {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: sess.CompressedContext})
	}
	for _, msg := range sess.Messages {
		history = append(history, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: userMessage})
	return history
}

// attempt drives the model/tool loop for one run attempt. Returns an
// error only for provider failures, which are retryable.
func (o *Orchestrator) attempt(ctx context.Context, req TurnRequest, state *turnState,
	history []llm.Message, systemPrompt string, events chan<- Event) error {
	runtime := o.agent.Runtime
	decls := o.agent.Runner.Registry().Declarations(req.Trigger, runtime.Tools.AutonomousEnabled)
	toolDecls := make([]llm.ToolDecl, 0, len(decls))
	for _, decl := range decls {
		toolDecls = append(toolDecls, llm.ToolDecl{
			Name:        decl["name"].(string),
			Description: decl["description"].(string),
			Parameters:  decl["parameters"].(map[string]interface{}),
		})
	}

	messages := append([]llm.Message(nil), history...)
	tokenSource := ""

	for step := 0; step < runtime.Agent.MaxSteps; step++ {
		o.stepTransition(req, state, events, step, "model")
		stream, err := o.agent.LLM.Stream(ctx, llm.Request{
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        toolDecls,
			Temperature:  runtime.LLM.Temperature,
		})
		if err != nil {
			return err
		}

		var stepCalls []llm.ToolCall
		for event := range stream {
			switch event.Type {
			case llm.EventToken:
				if tokenSource == "" {
					tokenSource = event.Source
				}
				if event.Source != tokenSource {
					continue
				}
				o.flushSegmentIfPending(state, events)
				state.content += event.Token
				o.emit(events, Event{Type: EventToken, Data: map[string]interface{}{"content": event.Token}})
				o.snapshotLive(state, false)
			case llm.EventReasoning:
				o.emit(events, Event{Type: EventReasoning, Data: map[string]interface{}{"content": event.Token}})
			case llm.EventToolCalls:
				stepCalls = append(stepCalls, event.ToolCalls...)
			case llm.EventUsage:
				o.foldUsage(state, event.Usage, events)
			case llm.EventError:
				return event.Err
			}
		}

		if len(stepCalls) == 0 {
			return nil
		}

		assistantCalls := make([]map[string]interface{}, 0, len(stepCalls))
		for _, call := range stepCalls {
			assistantCalls = append(assistantCalls, map[string]interface{}{
				"id": call.ID, "name": call.Name, "args": call.Args,
			})
		}
		state.toolCalls = append(state.toolCalls, assistantCalls...)
		messages = append(messages, llm.Message{
			Role: llm.RoleAssistant, Content: state.content, ToolCalls: stepCalls,
		})
		o.stepTransition(req, state, events, step, "tools")

		for _, call := range stepCalls {
			o.emit(events, Event{Type: EventToolStart, Data: map[string]interface{}{
				"run_id": state.runID, "tool": call.Name, "args": call.Args,
			}})
			o.snapshotLive(state, true)

			result := o.agent.Runner.Execute(ctx, tools.Context{
				RunID:     state.runID,
				SessionID: req.SessionID,
				AgentID:   o.agent.ID,
				Trigger:   req.Trigger,
				RootDir:   o.agent.RootDir,
			}, call.Name, call.Args)

			o.emit(events, Event{Type: EventToolEnd, Data: map[string]interface{}{
				"run_id": state.runID, "tool": call.Name, "ok": result.OK,
				"code": result.Code, "duration_ms": result.Meta.DurationMS,
				"truncated": result.Meta.Truncated,
			}})
			state.pendingBreak = true
			o.snapshotLive(state, true)

			content := result.Content
			if !result.OK {
				content = fmt.Sprintf("ERROR %s: %s", result.Code, result.Message)
				if result.Content != "" {
					content += "\n" + result.Content
				}
			}
			messages = append(messages, llm.Message{
				Role: llm.RoleTool, Content: content, ToolCallID: call.ID, ToolName: call.Name,
			})
		}
	}
	return nil
}

// stepTransition announces a node change in the run loop and records
// the matching step audit row.
func (o *Orchestrator) stepTransition(req TurnRequest, state *turnState,
	events chan<- Event, step int, node string) {
	o.emit(events, Event{Type: EventAgentUpdate, Data: map[string]interface{}{
		"run_id": state.runID, "step": step, "node": node,
	}})
	_ = o.agent.Audit.RecordStep(map[string]interface{}{
		"run_id":       state.runID,
		"session_id":   req.SessionID,
		"trigger_type": req.Trigger,
		"step":         step,
		"node":         node,
	})
}

// flushSegmentIfPending closes the current assistant segment at the
// first token after a tool boundary.
func (o *Orchestrator) flushSegmentIfPending(state *turnState, events chan<- Event) {
	if !state.pendingBreak {
		return
	}
	state.pendingBreak = false
	if state.content != "" || len(state.toolCalls) > 0 {
		state.segments = append(state.segments, session.Message{
			Role: "assistant", Content: state.content, ToolCalls: state.toolCalls,
		})
	}
	state.content = ""
	state.toolCalls = nil
	o.emit(events, Event{Type: EventNewResponse, Data: map[string]interface{}{"run_id": state.runID}})
}

func (o *Orchestrator) foldUsage(state *turnState, snapshot map[string]interface{}, events chan<- Event) {
	state.usageSeq++
	sourceID := fmt.Sprintf("llm_end:%s:%d", state.runID, state.usageSeq)
	if !state.acc.Add(sourceID, usage.StateFromMap(snapshot)) {
		return
	}
	signature := state.acc.State.Signature()
	if signature == state.lastSignature {
		return
	}
	state.lastSignature = signature

	normalized := state.acc.State.Normalize()
	data := normalized.ToRecord()
	data["pricing"] = usage.CostBreakdown(normalized)
	o.emit(events, Event{Type: EventUsage, Data: data})
}

// finish persists segments, records usage and audit rows, and emits the
// terminal events.
func (o *Orchestrator) finish(ctx context.Context, req TurnRequest, state *turnState,
	firstTurn bool, events chan<- Event) {
	sessions := o.agent.Sessions

	if state.content != "" || len(state.toolCalls) > 0 {
		state.segments = append(state.segments, session.Message{
			Role: "assistant", Content: state.content, ToolCalls: state.toolCalls,
		})
	}
	final := ""
	for _, segment := range state.segments {
		if segment.Content != "" {
			if final != "" {
				final += "\n\n"
			}
			final += segment.Content
		}
	}

	skipSave := req.SkipSaveExact != "" && strings.TrimSpace(final) == req.SkipSaveExact
	if !skipSave {
		var toSave []session.Message
		if !req.PersistUserUpfront {
			toSave = append(toSave, session.Message{Role: "user", Content: req.Message})
		}
		for _, segment := range state.segments {
			if segment.Content != "" || len(segment.ToolCalls) > 0 {
				toSave = append(toSave, segment)
			}
		}
		if len(toSave) > 0 {
			if err := sessions.AppendMessages(req.SessionID, toSave...); err != nil {
				slog.Error("Segment persistence failed", "session", req.SessionID, "error", err)
			}
			for i, msg := range toSave {
				if msg.Role != "assistant" {
					continue
				}
				_ = o.agent.Audit.RecordMessageLink(map[string]interface{}{
					"run_id":       state.runID,
					"session_id":   req.SessionID,
					"trigger_type": req.Trigger,
					"role":         msg.Role,
					"segment":      i,
					"chars":        len(msg.Content),
				})
			}
		}
	}
	_ = sessions.ClearLiveResponse(req.SessionID)

	normalized := state.acc.State.Normalize()
	pricing := usage.CostBreakdown(normalized)
	if normalized.TotalTokens > 0 {
		record := normalized.ToRecord()
		record["run_id"] = state.runID
		record["session_id"] = req.SessionID
		record["agent_id"] = o.agent.ID
		record["trigger_type"] = req.Trigger
		record["pricing"] = pricing
		if err := o.agent.Usage.AppendRecord(record); err != nil {
			slog.Debug("Usage record append failed", "error", err)
		}
	}

	o.recordRun(state.runID, req, "ok", nil)

	o.emit(events, Event{Type: EventDone, Data: map[string]interface{}{
		"run_id":     state.runID,
		"session_id": req.SessionID,
		"agent_id":   o.agent.ID,
		"content":    final,
		"usage":      normalized.ToRecord(),
		"pricing":    pricing,
	}})

	if req.Trigger == tools.TriggerChat && firstTurn {
		if title := agent.GenerateTitle(ctx, o.agent.LLM, req.Message); title != "" {
			sessions.UpdateTitle(req.SessionID, title)
			o.emit(events, Event{Type: EventTitle, Data: map[string]interface{}{
				"session_id": req.SessionID, "title": title,
			}})
		}
	}
}

func (o *Orchestrator) recordRun(runID string, req TurnRequest, status string, runErr error) {
	row := map[string]interface{}{
		"run_id":       runID,
		"session_id":   req.SessionID,
		"trigger_type": req.Trigger,
		"status":       status,
	}
	if runErr != nil {
		row["error"] = runErr.Error()
	}
	_ = o.agent.Audit.RecordRun(row)
}
