package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/miniclaw/miniclaw/pkg/agent"
)

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	ids := s.registry.List()
	agents := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		agents = append(agents, map[string]interface{}{
			"agent_id": id,
			"default":  id == agent.DefaultAgentID,
		})
	}
	writeData(w, map[string]interface{}{"agents": agents})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := agent.ValidateAgentID(body.AgentID); err != nil {
		writeError(w, CodeInvalidRequest, err.Error())
		return
	}
	a, err := s.registry.Create(body.AgentID)
	if err != nil {
		writeError(w, CodeInvalidRequest, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"agent_id": a.ID})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Delete(id); err != nil {
		writeError(w, CodeInvalidRequest, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"deleted": true, "agent_id": id})
}
