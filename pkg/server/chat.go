package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/pkg/runner"
	"github.com/miniclaw/miniclaw/pkg/tools"
)

const subscriberQueueCap = 512

// subQueue is one bounded subscriber channel. On saturation the oldest
// event is dropped and the push retried once; the producer never blocks.
type subQueue struct {
	ch chan runner.Event
}

func newSubQueue() *subQueue {
	return &subQueue{ch: make(chan runner.Event, subscriberQueueCap)}
}

func (q *subQueue) push(event runner.Event) {
	select {
	case q.ch <- event:
		return
	default:
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- event:
	default:
	}
}

type runKey struct {
	agentID   string
	sessionID string
}

// runState is one active producer plus its subscriber set. The producer
// goroutine owns the agent stream; subscribers come and go freely.
type runState struct {
	message string

	mu     sync.Mutex
	subs   map[*subQueue]struct{}
	closed bool
}

func (st *runState) attach() *subQueue {
	st.mu.Lock()
	defer st.mu.Unlock()
	q := newSubQueue()
	if st.closed {
		close(q.ch)
		return q
	}
	st.subs[q] = struct{}{}
	return q
}

func (st *runState) detach(q *subQueue) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.subs, q)
}

func (st *runState) broadcast(event runner.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for q := range st.subs {
		q.push(event)
	}
}

func (st *runState) finish() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for q := range st.subs {
		close(q.ch)
	}
	st.subs = map[*subQueue]struct{}{}
}

// runManager is the process-wide active-runs map keyed by
// (agent_id, session_id).
type runManager struct {
	mu     sync.Mutex
	active map[runKey]*runState
}

func newRunManager() *runManager {
	return &runManager{active: map[runKey]*runState{}}
}

var errSessionBusy = fmt.Errorf("another run is active on this session")

// subscribe attaches to the active run for key, or starts one with
// produce. A different message against an active run is rejected.
func (m *runManager) subscribe(key runKey, message string,
	produce func() <-chan runner.Event) (*runState, *subQueue, error) {

	m.mu.Lock()
	if st, ok := m.active[key]; ok {
		if st.message != message {
			m.mu.Unlock()
			return nil, nil, errSessionBusy
		}
		q := st.attach()
		m.mu.Unlock()
		return st, q, nil
	}
	st := &runState{message: message, subs: map[*subQueue]struct{}{}}
	m.active[key] = st
	q := st.attach()
	m.mu.Unlock()

	events := produce()
	go func() {
		for event := range events {
			st.broadcast(event)
		}
		st.finish()
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
	}()
	return st, q, nil
}

func int64From(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// observeRun tees the event stream into the metric set.
func (s *Server) observeRun(agentID string, events <-chan runner.Event) <-chan runner.Event {
	if s.metrics == nil {
		return events
	}
	out := make(chan runner.Event, 16)
	go func() {
		defer close(out)
		start := time.Now()
		for event := range events {
			switch event.Type {
			case runner.EventToolEnd:
				tool, _ := event.Data["tool"].(string)
				code, _ := event.Data["code"].(string)
				duration := time.Duration(int64From(event.Data["duration_ms"])) * time.Millisecond
				s.metrics.RecordToolCall(tool, code, duration)
			case runner.EventDone:
				if usage, ok := event.Data["usage"].(map[string]interface{}); ok {
					provider, _ := usage["provider"].(string)
					model, _ := usage["model"].(string)
					s.metrics.RecordTokens(provider, model,
						int64From(usage["input_tokens"]), int64From(usage["output_tokens"]))
				}
				s.metrics.RecordRun(agentID, tools.TriggerChat, "ok", time.Since(start))
			case runner.EventError:
				s.metrics.RecordRun(agentID, tools.TriggerChat, "error", time.Since(start))
			}
			out <- event
		}
	}()
	return out
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Stream    bool   `json:"stream"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, CodeInvalidRequest, "message must not be empty")
		return
	}
	if body.SessionID == "" {
		writeError(w, CodeInvalidRequest, "session_id is required")
		return
	}
	a := s.agentByID(w, body.AgentID)
	if a == nil {
		return
	}

	key := runKey{agentID: a.ID, sessionID: body.SessionID}
	// The producer runs on a background context so a client disconnect
	// never cancels the turn.
	st, queue, err := s.runs.subscribe(key, body.Message, func() <-chan runner.Event {
		events := runner.New(a).Stream(context.Background(), runner.TurnRequest{
			SessionID:          body.SessionID,
			Trigger:            tools.TriggerChat,
			Message:            body.Message,
			PersistUserUpfront: true,
		})
		return s.observeRun(a.ID, events)
	})
	if err != nil {
		writeError(w, CodeSessionBusy, "session is busy with a different message")
		return
	}

	if body.Stream {
		s.streamChat(w, r, st, queue)
		return
	}

	// Non-stream: drain to the terminal event.
	var terminal runner.Event
	for event := range queue.ch {
		if event.Terminal() {
			terminal = event
		}
	}
	switch terminal.Type {
	case runner.EventDone:
		writeData(w, map[string]interface{}{
			"content":    terminal.Data["content"],
			"session_id": body.SessionID,
			"agent_id":   a.ID,
			"usage":      terminal.Data["usage"],
		})
	case runner.EventError:
		writeError(w, CodeInternalError, fmt.Sprintf("%v", terminal.Data["message"]))
	default:
		writeError(w, CodeInternalError, "run ended without a terminal event")
	}
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, st *runState, queue *subQueue) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, CodeInternalError, "streaming unsupported by connection")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// Client left; the producer keeps going.
			st.detach(queue)
			return
		case event, open := <-queue.ch:
			if !open {
				return
			}
			payload, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}

