package server

import (
	"encoding/json"
	"net/http"

	"github.com/miniclaw/miniclaw/pkg/config"
)

func (s *Server) handleGetRAGMode(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	writeData(w, map[string]interface{}{"rag_mode": a.Runtime.RAGMode})
}

func (s *Server) handlePutRAGMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		RAGMode *bool  `json:"rag_mode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RAGMode == nil {
		writeError(w, CodeValidationError, "rag_mode is required")
		return
	}
	a := s.agentByID(w, body.AgentID)
	if a == nil {
		return
	}
	a.Runtime.RAGMode = *body.RAGMode
	if err := a.SaveRuntimeConfig(); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"rag_mode": a.Runtime.RAGMode})
}

func (s *Server) handleGetRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	writeData(w, a.Runtime)
}

// handlePutRuntimeConfig merges a partial config tree over the current
// effective config, re-clamps, and persists the delta.
func (s *Server) handlePutRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if !decodeBody(w, r, &patch) {
		return
	}
	agentID, _ := patch["agent_id"].(string)
	delete(patch, "agent_id")
	a := s.agentByID(w, agentID)
	if a == nil {
		return
	}

	currentRaw, err := json.Marshal(a.Runtime)
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	var current map[string]interface{}
	if err := json.Unmarshal(currentRaw, &current); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	merged, err := config.DeepMerge(current, patch)
	if err != nil {
		writeError(w, CodeInvalidRequest, err.Error())
		return
	}
	next, err := config.DecodeRuntimeConfig(merged)
	if err != nil {
		writeError(w, CodeValidationError, err.Error())
		return
	}
	*a.Runtime = next
	if err := a.SaveRuntimeConfig(); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeData(w, a.Runtime)
}

func (s *Server) handleGetTracing(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	writeData(w, a.Runtime.Tracing)
}

func (s *Server) handlePutTracing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID  string  `json:"agent_id"`
		Enabled  *bool   `json:"enabled"`
		Endpoint *string `json:"endpoint"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	a := s.agentByID(w, body.AgentID)
	if a == nil {
		return
	}
	if body.Enabled != nil {
		a.Runtime.Tracing.Enabled = *body.Enabled
	}
	if body.Endpoint != nil {
		a.Runtime.Tracing.Endpoint = *body.Endpoint
	}
	if err := a.SaveRuntimeConfig(); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeData(w, a.Runtime.Tracing)
}
