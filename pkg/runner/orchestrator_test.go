package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/llm"
	"github.com/miniclaw/miniclaw/pkg/session"
	"github.com/miniclaw/miniclaw/pkg/storage"
	"github.com/miniclaw/miniclaw/pkg/tools"
)

func testAgent(t *testing.T, fake *llm.FakeClient) *agent.Agent {
	t.Helper()
	registry := agent.NewRegistry(agent.RegistryOptions{
		DataDir: t.TempDir(),
		Secrets: &config.Secrets{LLMProvider: config.ProviderOpenAI, LLMModel: "gpt-4o-mini"},
		Locks:   storage.NewLockRegistry(),
		NewLLM: func(*config.Secrets, *config.RuntimeConfig) (llm.Client, error) {
			return fake, nil
		},
	})
	a, err := registry.EnsureDefault()
	require.NoError(t, err)
	return a
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-deadline:
			t.Fatal("event stream did not terminate")
		}
	}
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}

func findEvent(events []Event, kind string) (Event, bool) {
	for _, event := range events {
		if event.Type == kind {
			return event, true
		}
	}
	return Event{}, false
}

func TestSimpleChatTurn(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{
		{
			{Type: llm.EventToken, Token: "Hello ", Source: "messages"},
			{Type: llm.EventToken, Token: "there", Source: "messages"},
			{Type: llm.EventUsage, Usage: map[string]interface{}{
				"provider": "openai", "model": "gpt-4o-mini",
				"input_tokens": int64(12), "output_tokens": int64(4), "total_tokens": int64(16),
			}},
			{Type: llm.EventDone},
		},
		{ // title generation
			{Type: llm.EventToken, Token: "Friendly Greeting", Source: "messages"},
			{Type: llm.EventDone},
		},
	}}
	a := testAgent(t, fake)
	o := New(a)
	o.sleep = func(time.Duration) {}

	events := collect(t, o.Stream(context.Background(), TurnRequest{
		SessionID:          "s1",
		Trigger:            tools.TriggerChat,
		Message:            "hi",
		PersistUserUpfront: true,
	}))

	done, ok := findEvent(events, EventDone)
	require.True(t, ok)
	assert.Equal(t, "Hello there", done.Data["content"])

	_, ok = findEvent(events, EventUsage)
	assert.True(t, ok)
	title, ok := findEvent(events, EventTitle)
	require.True(t, ok)
	assert.Equal(t, "Friendly Greeting", title.Data["title"])

	sess, err := a.Sessions.Load("s1", false)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "user", sess.Messages[0].Role)
	assert.Equal(t, "Hello there", sess.Messages[1].Content)
	assert.Nil(t, sess.LiveResponse, "live response cleared on done")
	assert.Equal(t, "Friendly Greeting", sess.Title)

	records := a.Usage.QueryRecords(storage.UsageQuery{Limit: 10})
	require.Len(t, records, 1)
	assert.EqualValues(t, 16, records[0]["total_tokens"])
}

func TestToolInterleavingEmitsSegmentBoundary(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{
		{
			{Type: llm.EventToolCalls, ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "read_file", Args: map[string]interface{}{"path": "workspace/notes.md"}},
			}},
			{Type: llm.EventDone},
		},
		{
			{Type: llm.EventToken, Token: "The file says hi.", Source: "messages"},
			{Type: llm.EventDone},
		},
	}}
	a := testAgent(t, fake)
	require.NoError(t, os.WriteFile(filepath.Join(a.RootDir, "workspace", "notes.md"),
		[]byte("hi"), 0o644))

	// Not the first turn, so no title generation consumes fake turns.
	require.NoError(t, a.Sessions.AppendMessages("s1",
		session.Message{Role: "user", Content: "earlier"},
		session.Message{Role: "assistant", Content: "earlier reply"}))

	o := New(a)
	events := collect(t, o.Stream(context.Background(), TurnRequest{
		SessionID: "s1", Trigger: tools.TriggerChat, Message: "read it", PersistUserUpfront: true,
	}))

	types := eventTypes(events)
	idx := map[string]int{}
	for i, kind := range types {
		if _, seen := idx[kind]; !seen {
			idx[kind] = i
		}
	}
	require.Contains(t, idx, EventToolStart)
	require.Contains(t, idx, EventToolEnd)
	require.Contains(t, idx, EventNewResponse)
	assert.Less(t, idx[EventToolStart], idx[EventToolEnd])
	assert.Less(t, idx[EventToolEnd], idx[EventNewResponse])

	done, ok := findEvent(events, EventDone)
	require.True(t, ok)
	assert.Equal(t, "The file says hi.", done.Data["content"])

	sess, _ := a.Sessions.Load("s1", false)
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.Equal(t, "The file says hi.", last.Content)

	// Second provider request carries the tool result.
	require.Len(t, fake.Requests, 2)
	toolMsg := fake.Requests[1].Messages[len(fake.Requests[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "hi", toolMsg.Content)
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{
		{{Type: llm.EventError, Err: assert.AnError}},
		{
			{Type: llm.EventToken, Token: "recovered", Source: "messages"},
			{Type: llm.EventDone},
		},
	}}
	a := testAgent(t, fake)
	require.NoError(t, a.Sessions.AppendMessages("s1",
		session.Message{Role: "user", Content: "earlier"},
		session.Message{Role: "assistant", Content: "earlier reply"}))

	o := New(a)
	var slept []time.Duration
	o.sleep = func(d time.Duration) { slept = append(slept, d) }

	events := collect(t, o.Stream(context.Background(), TurnRequest{
		SessionID: "s1", Trigger: tools.TriggerChat, Message: "again", PersistUserUpfront: true,
	}))

	done, ok := findEvent(events, EventDone)
	require.True(t, ok)
	assert.Equal(t, "recovered", done.Data["content"])
	require.Len(t, slept, 1)
	assert.Equal(t, 500*time.Millisecond, slept[0])

	starts := 0
	for _, event := range events {
		if event.Type == EventRunStart {
			starts++
		}
	}
	assert.Equal(t, 2, starts, "each attempt mints a fresh run")
}

func TestExhaustedRetriesEmitError(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{
		{{Type: llm.EventError, Err: assert.AnError}},
		{{Type: llm.EventError, Err: assert.AnError}},
	}}
	a := testAgent(t, fake)
	o := New(a)
	o.sleep = func(time.Duration) {}

	events := collect(t, o.Stream(context.Background(), TurnRequest{
		SessionID: "s1", Trigger: tools.TriggerChat, Message: "hi", PersistUserUpfront: true,
	}))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
}

func TestHeartbeatOKSuppressesPersistence(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{{
		{Type: llm.EventToken, Token: "HEARTBEAT_OK", Source: "messages"},
		{Type: llm.EventDone},
	}}}
	a := testAgent(t, fake)
	o := New(a)

	final, err := o.Run(context.Background(), TurnRequest{
		SessionID:     "__heartbeat__",
		Trigger:       tools.TriggerHeartbeat,
		Message:       "check in",
		SkipSaveExact: "HEARTBEAT_OK",
	})
	require.NoError(t, err)
	assert.Equal(t, "HEARTBEAT_OK", final)
	assert.False(t, a.Sessions.Exists("__heartbeat__"), "nothing persisted")
}

func TestRetryGuardResetsBetweenRuns(t *testing.T) {
	call := llm.Event{Type: llm.EventToolCalls, ToolCalls: []llm.ToolCall{
		{ID: "c1", Name: "read_file", Args: map[string]interface{}{"path": "workspace/missing.md"}},
	}}
	done := llm.Event{Type: llm.EventDone}
	fake := &llm.FakeClient{Turns: [][]llm.Event{
		{call, done},
		{call, done},
		{call, done}, // identical failure limit reached, this call is denied
		{{Type: llm.EventToken, Token: "giving up", Source: "messages"}, done},
		// Second run on the same session.
		{call, done},
		{{Type: llm.EventToken, Token: "still missing", Source: "messages"}, done},
	}}
	a := testAgent(t, fake)
	o := New(a)
	o.sleep = func(time.Duration) {}

	req := TurnRequest{SessionID: "__heartbeat__", Trigger: tools.TriggerHeartbeat, Message: "check"}
	first := collect(t, o.Stream(context.Background(), req))

	var codes []string
	for _, event := range first {
		if event.Type == EventToolEnd {
			codes = append(codes, event.Data["code"].(string))
		}
	}
	require.Equal(t, []string{tools.ErrNotFound, tools.ErrNotFound, tools.ErrPolicyDenied}, codes)

	second := collect(t, o.Stream(context.Background(), req))
	var retried []string
	for _, event := range second {
		if event.Type == EventToolEnd {
			retried = append(retried, event.Data["code"].(string))
		}
	}
	require.Equal(t, []string{tools.ErrNotFound}, retried,
		"a later run re-attempts the tool instead of inheriting the denial")
}

func TestAgentUpdateEventsAndStepAudit(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{
		{
			{Type: llm.EventToolCalls, ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "read_file", Args: map[string]interface{}{"path": "workspace/notes.md"}},
			}},
			{Type: llm.EventDone},
		},
		{
			{Type: llm.EventToken, Token: "done", Source: "messages"},
			{Type: llm.EventDone},
		},
	}}
	a := testAgent(t, fake)
	require.NoError(t, os.WriteFile(filepath.Join(a.RootDir, "workspace", "notes.md"),
		[]byte("hi"), 0o644))
	require.NoError(t, a.Sessions.AppendMessages("s1",
		session.Message{Role: "user", Content: "earlier"}))

	o := New(a)
	events := collect(t, o.Stream(context.Background(), TurnRequest{
		SessionID: "s1", Trigger: tools.TriggerChat, Message: "read it", PersistUserUpfront: true,
	}))

	var nodes []string
	for _, event := range events {
		if event.Type == EventAgentUpdate {
			nodes = append(nodes, event.Data["node"].(string))
		}
	}
	require.Equal(t, []string{"model", "tools", "model"}, nodes)

	rows := storage.TailJSONL(filepath.Join(a.RootDir, "storage", "audit", "steps.jsonl"), 10)
	require.Len(t, rows, 3)
	assert.Equal(t, storage.SchemaStep, rows[0]["schema"])
	assert.Equal(t, "model", rows[0]["node"])
	assert.Equal(t, "tools", rows[1]["node"])
	assert.EqualValues(t, 1, rows[2]["step"])
}
