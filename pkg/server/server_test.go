package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/llm"
	"github.com/miniclaw/miniclaw/pkg/observability"
	"github.com/miniclaw/miniclaw/pkg/runner"
	"github.com/miniclaw/miniclaw/pkg/session"
	"github.com/miniclaw/miniclaw/pkg/storage"
)

func newTestServer(t *testing.T, fake *llm.FakeClient) (*Server, *agent.Agent) {
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
	return New(registry, observability.NewMetrics(), Options{}), a
}

type envelope struct {
	Data  map[string]interface{} `json:"data"`
	Error map[string]interface{} `json:"error"`
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env),
			"body: %s", rec.Body.String())
	}
	return rec.Code, env
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t, &llm.FakeClient{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()",
		rec.Header().Get("Permissions-Policy"))
	assert.Equal(t, "same-site", rec.Header().Get("Cross-Origin-Resource-Policy"))
}

func TestChatJourneyNonStream(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{
		{
			{Type: llm.EventToken, Token: "hi there", Source: "messages"},
			{Type: llm.EventUsage, Usage: map[string]interface{}{
				"provider": "openai", "model": "gpt-4o-mini",
				"input_tokens": int64(10), "output_tokens": int64(3), "total_tokens": int64(13),
			}},
			{Type: llm.EventDone},
		},
		{ // title
			{Type: llm.EventToken, Token: "Greeting", Source: "messages"},
			{Type: llm.EventDone},
		},
	}}
	s, a := newTestServer(t, fake)

	code, env := doJSON(t, s, http.MethodPost, "/api/chat",
		map[string]interface{}{"message": "hello", "session_id": "s1", "stream": false})
	require.Equal(t, http.StatusOK, code, "error: %v", env.Error)
	assert.Equal(t, "hi there", env.Data["content"])
	assert.Equal(t, "s1", env.Data["session_id"])

	sess, err := a.Sessions.Load("s1", false)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "hello", sess.Messages[0].Content)
	assert.Equal(t, "hi there", sess.Messages[1].Content)

	records := a.Usage.QueryRecords(storage.UsageQuery{Limit: 5})
	require.Len(t, records, 1)
	assert.EqualValues(t, 13, records[0]["total_tokens"])
}

func TestChatValidation(t *testing.T) {
	s, _ := newTestServer(t, &llm.FakeClient{})
	code, env := doJSON(t, s, http.MethodPost, "/api/chat",
		map[string]interface{}{"message": "  ", "session_id": "s1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidRequest, env.Error["code"])

	code, env = doJSON(t, s, http.MethodPost, "/api/chat",
		map[string]interface{}{"message": "hello"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidRequest, env.Error["code"])
}

func TestCompressionGate(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{{
		{Type: llm.EventToken, Token: "They discussed the plan.", Source: "messages"},
		{Type: llm.EventDone},
	}}}
	s, a := newTestServer(t, fake)

	require.NoError(t, a.Sessions.AppendMessages("s1",
		session.Message{Role: "user", Content: "one"},
		session.Message{Role: "assistant", Content: "two"},
		session.Message{Role: "user", Content: "three"}))

	code, env := doJSON(t, s, http.MethodPost, "/api/sessions/s1/compress", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidState, env.Error["code"])

	require.NoError(t, a.Sessions.AppendMessages("s1",
		session.Message{Role: "assistant", Content: "four"}))

	code, env = doJSON(t, s, http.MethodPost, "/api/sessions/s1/compress", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code, "error: %v", env.Error)
	assert.EqualValues(t, 4, env.Data["archived_count"])
	assert.EqualValues(t, 0, env.Data["remaining"])

	sess, err := a.Sessions.Load("s1", false)
	require.NoError(t, err)
	assert.Contains(t, sess.CompressedContext, session.SummaryPrefix)
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, &llm.FakeClient{})

	code, env := doJSON(t, s, http.MethodPost, "/api/sessions",
		map[string]interface{}{"title": "Research"})
	require.Equal(t, http.StatusOK, code)
	id := env.Data["session_id"].(string)
	require.NotEmpty(t, id)

	code, env = doJSON(t, s, http.MethodPut, "/api/sessions/"+id,
		map[string]interface{}{"title": "Renamed"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Renamed", env.Data["title"])

	code, env = doJSON(t, s, http.MethodPost, "/api/sessions/"+id+"/archive", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code)

	code, env = doJSON(t, s, http.MethodGet, "/api/sessions?scope=archived", nil)
	require.Equal(t, http.StatusOK, code)
	sessions := env.Data["sessions"].([]interface{})
	require.Len(t, sessions, 1)

	code, _ = doJSON(t, s, http.MethodPost, "/api/sessions/"+id+"/restore", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code)

	code, env = doJSON(t, s, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, env.Data["deleted"])

	code, env = doJSON(t, s, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, env.Error["code"])
}

func TestFilesPathPolicy(t *testing.T) {
	s, _ := newTestServer(t, &llm.FakeClient{})

	code, env := doJSON(t, s, http.MethodGet, "/api/files?path=../../etc/passwd", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, CodeForbiddenPath, env.Error["code"])

	code, env = doJSON(t, s, http.MethodGet, "/api/files?path=config.json", nil)
	assert.Equal(t, http.StatusForbidden, code, "root files outside the allow-list")

	code, env = doJSON(t, s, http.MethodPost, "/api/files",
		map[string]interface{}{"path": "workspace/todo.md", "content": "- ship it\n"})
	require.Equal(t, http.StatusOK, code, "error: %v", env.Error)

	code, env = doJSON(t, s, http.MethodGet, "/api/files?path=workspace/todo.md", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "- ship it\n", env.Data["content"])

	code, env = doJSON(t, s, http.MethodGet, "/api/files?path=workspace/absent.md", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, env.Error["code"])
}

func TestTokensFilesPerRowErrors(t *testing.T) {
	s, _ := newTestServer(t, &llm.FakeClient{})

	code, env := doJSON(t, s, http.MethodPost, "/api/tokens/files",
		map[string]interface{}{"paths": []string{"memory/MEMORY.md", "../../etc/passwd"}})
	require.Equal(t, http.StatusOK, code)

	rows := env.Data["files"].([]interface{})
	require.Len(t, rows, 2)

	first := rows[0].(map[string]interface{})
	assert.Equal(t, "memory/MEMORY.md", first["path"])
	assert.NotContains(t, first, "error")
	assert.Greater(t, first["tokens"].(float64), 0.0)

	second := rows[1].(map[string]interface{})
	errObj := second["error"].(map[string]interface{})
	assert.Equal(t, "invalid_path", errObj["code"])
}

func TestCronLifecycleOverAPI(t *testing.T) {
	fake := &llm.FakeClient{Turns: [][]llm.Event{{
		{Type: llm.EventToken, Token: "pong", Source: "messages"},
		{Type: llm.EventDone},
	}}}
	s, _ := newTestServer(t, fake)

	code, env := doJSON(t, s, http.MethodPost, "/api/scheduler/cron/jobs",
		map[string]interface{}{"name": "ping", "schedule_type": "every", "schedule": "60", "prompt": "ping"})
	require.Equal(t, http.StatusOK, code, "error: %v", env.Error)
	jobID := env.Data["id"].(string)
	require.NotEmpty(t, jobID)

	code, env = doJSON(t, s, http.MethodPut, "/api/scheduler/cron/jobs/"+jobID,
		map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, env.Data["enabled"])
	assert.EqualValues(t, 0, env.Data["next_run_ts"])

	code, env = doJSON(t, s, http.MethodPost, "/api/scheduler/cron/jobs/"+jobID+"/run",
		map[string]interface{}{})
	require.Equal(t, http.StatusOK, code, "error: %v", env.Error)
	assert.NotZero(t, env.Data["last_run_ts"])

	code, env = doJSON(t, s, http.MethodGet, "/api/scheduler/cron/runs", nil)
	require.Equal(t, http.StatusOK, code)
	runs := env.Data["runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].(map[string]interface{})["status"])

	code, env = doJSON(t, s, http.MethodDelete, "/api/scheduler/cron/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, env.Data["deleted"])
}

func TestSchedulerAPIGate(t *testing.T) {
	s, a := newTestServer(t, &llm.FakeClient{})
	a.Runtime.Scheduler.APIEnabled = false

	code, env := doJSON(t, s, http.MethodGet, "/api/scheduler/cron/jobs", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, CodeSchedulerAPIDisabled, env.Error["code"])
}

func TestHeartbeatConfigRoundTrip(t *testing.T) {
	s, a := newTestServer(t, &llm.FakeClient{})

	code, env := doJSON(t, s, http.MethodPut, "/api/scheduler/heartbeat",
		map[string]interface{}{"interval_seconds": 10, "active_start_hour": 25})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 30, env.Data["interval_seconds"], "floor applies")
	assert.EqualValues(t, 1, env.Data["active_start_hour"], "hours wrap modulo 24")
	assert.EqualValues(t, 30, a.Runtime.Heartbeat.IntervalSeconds)
}

func TestRuntimeConfigPatch(t *testing.T) {
	s, a := newTestServer(t, &llm.FakeClient{})

	code, env := doJSON(t, s, http.MethodPut, "/api/config/runtime",
		map[string]interface{}{"agent": map[string]interface{}{"max_steps": 7}})
	require.Equal(t, http.StatusOK, code, "error: %v", env.Error)
	assert.Equal(t, 7, a.Runtime.Agent.MaxSteps)
	// Untouched fields keep their values.
	assert.Equal(t, 0.7, a.Runtime.LLM.Temperature)

	code, env = doJSON(t, s, http.MethodPut, "/api/config/rag-mode",
		map[string]interface{}{"rag_mode": true})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, a.Runtime.RAGMode)
}

func TestAgentsCRUD(t *testing.T) {
	s, _ := newTestServer(t, &llm.FakeClient{})

	code, env := doJSON(t, s, http.MethodPost, "/api/agents",
		map[string]interface{}{"agent_id": "research"})
	require.Equal(t, http.StatusOK, code, "error: %v", env.Error)

	code, env = doJSON(t, s, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, code)
	agents := env.Data["agents"].([]interface{})
	assert.Len(t, agents, 2)

	code, env = doJSON(t, s, http.MethodPost, "/api/agents",
		map[string]interface{}{"agent_id": "bad id!"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = doJSON(t, s, http.MethodDelete, "/api/agents/default", nil)
	assert.Equal(t, http.StatusBadRequest, code, "default agent is undeletable")

	code, _ = doJSON(t, s, http.MethodDelete, "/api/agents/research", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestRateLimiterWindow(t *testing.T) {
	l := newRateLimiter(2)
	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"), "per-IP isolation")

	handler := l.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.RemoteAddr = "10.0.0.1:5511"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestSessionBusyAndResubscribe(t *testing.T) {
	m := newRunManager()
	key := runKey{agentID: "default", sessionID: "s1"}

	src := make(chan runner.Event)
	started := 0
	produce := func() <-chan runner.Event {
		started++
		return src
	}

	st1, q1, err := m.subscribe(key, "hello", produce)
	require.NoError(t, err)

	// A different message against the active run is rejected.
	_, _, err = m.subscribe(key, "other", produce)
	assert.ErrorIs(t, err, errSessionBusy)

	// The identical message re-attaches without a second producer.
	st2, q2, err := m.subscribe(key, "hello", produce)
	require.NoError(t, err)
	assert.Same(t, st1, st2)
	assert.Equal(t, 1, started)

	src <- runner.Event{Type: runner.EventToken, Data: map[string]interface{}{"token": "x"}}
	assert.Equal(t, runner.EventToken, (<-q1.ch).Type)
	assert.Equal(t, runner.EventToken, (<-q2.ch).Type)

	close(src)
	_, open := <-q1.ch
	assert.False(t, open, "queues close when the producer ends")
	_, open = <-q2.ch
	assert.False(t, open)
}

func TestSubQueueDropsOldestOnSaturation(t *testing.T) {
	q := newSubQueue()
	for i := 0; i < subscriberQueueCap; i++ {
		q.push(runner.Event{Type: runner.EventToken, Data: map[string]interface{}{"i": i}})
	}
	q.push(runner.Event{Type: runner.EventDone})

	first := <-q.ch
	assert.EqualValues(t, 1, first.Data["i"], "oldest entry was dropped")

	// Drain; the terminal event survived the saturation.
	var last runner.Event
	for len(q.ch) > 0 {
		last = <-q.ch
	}
	assert.Equal(t, runner.EventDone, last.Type)
}
