package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/llm"
	"github.com/miniclaw/miniclaw/pkg/session"
)

const compressMinMessages = 4

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "active"
	}
	writeData(w, map[string]interface{}{"sessions": a.Sessions.List(scope)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Title   string `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	a := s.agentByID(w, body.AgentID)
	if a == nil {
		return
	}
	id := uuid.NewString()
	sess, err := a.Sessions.Load(id, false)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if body.Title != "" {
		sess.Title = body.Title
	}
	if err := a.Sessions.Save(id, sess); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"session_id": id, "title": sess.Title})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeError(w, CodeInvalidRequest, "title must not be empty")
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := a.Sessions.Rename(id, body.Title)
	if err != nil {
		writeError(w, CodeNotFound, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"session_id": id, "title": sess.Title})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	archived := r.URL.Query().Get("archived") == "true"
	if !a.Sessions.Delete(id, archived) {
		writeError(w, CodeNotFound, "session not found")
		return
	}
	writeData(w, map[string]interface{}{"deleted": true, "session_id": id})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	if !a.Sessions.Archive(id) {
		writeError(w, CodeNotFound, "session not found")
		return
	}
	writeData(w, map[string]interface{}{"archived": true, "session_id": id})
}

func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	if !a.Sessions.Restore(id) {
		writeError(w, CodeNotFound, "session not found")
		return
	}
	writeData(w, map[string]interface{}{"restored": true, "session_id": id})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	archived := r.URL.Query().Get("archived") == "true"
	sess, err := a.Sessions.Load(id, archived)
	if err != nil {
		writeError(w, CodeNotFound, err.Error())
		return
	}
	writeData(w, map[string]interface{}{
		"session_id":         id,
		"title":              sess.Title,
		"messages":           sess.Messages,
		"compressed_context": sess.CompressedContext,
	})
}

// handleSessionHistory serves the reader-facing projection: consecutive
// assistant segments merged, plus a trailing streaming row mid-run.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := a.Sessions.Load(id, false)
	if err != nil {
		writeError(w, CodeNotFound, err.Error())
		return
	}
	writeData(w, map[string]interface{}{
		"session_id": id,
		"title":      sess.Title,
		"messages":   a.Sessions.WithLiveResponse(sess.Messages, sess),
	})
}

// titleSeed picks the text the title model sees: first non-empty user
// message, else first message, else the compressed context.
func titleSeed(sess *session.Session) string {
	for _, msg := range sess.Messages {
		if msg.Role == "user" && strings.TrimSpace(msg.Content) != "" {
			return msg.Content
		}
	}
	if len(sess.Messages) > 0 {
		return sess.Messages[0].Content
	}
	return sess.CompressedContext
}

func (s *Server) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := a.Sessions.Load(id, false)
	if err != nil {
		writeError(w, CodeNotFound, err.Error())
		return
	}
	seed := titleSeed(sess)
	if strings.TrimSpace(seed) == "" {
		writeError(w, CodeInvalidState, "session has no content to title")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	title := agent.GenerateTitle(ctx, a.LLM, seed)
	if title == "" {
		writeError(w, CodeInternalError, "title generation failed")
		return
	}
	a.Sessions.UpdateTitle(id, title)
	writeData(w, map[string]interface{}{"session_id": id, "title": title})
}

const summaryPrompt = "Summarize the following conversation excerpt in a few short " +
	"paragraphs. Preserve decisions, open tasks and stated facts. Reply with the " +
	"summary only."

func renderTranscript(messages []session.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Server) handleCompressSession(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := a.Sessions.Load(id, false)
	if err != nil {
		writeError(w, CodeNotFound, err.Error())
		return
	}
	total := len(sess.Messages)
	if total < compressMinMessages {
		writeError(w, CodeInvalidState, "session too short to compress")
		return
	}
	n := total / 2
	if n < compressMinMessages {
		n = compressMinMessages
	}
	if n > total {
		n = total
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	summary, err := a.LLM.Complete(ctx, llm.Request{
		SystemPrompt: summaryPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: renderTranscript(sess.Messages[:n])},
		},
	})
	if err != nil {
		writeError(w, CodeInternalError, "summary generation failed: "+err.Error())
		return
	}

	archived, remaining, err := a.Sessions.Compress(id, n, summary)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeData(w, map[string]interface{}{
		"session_id":     id,
		"archived_count": archived,
		"remaining":      remaining,
	})
}
