package server

import (
	"net/http"
	"strconv"

	"github.com/miniclaw/miniclaw/pkg/storage"
)

func usageQueryFrom(r *http.Request) storage.UsageQuery {
	q := r.URL.Query()
	query := storage.UsageQuery{
		Provider:    q.Get("provider"),
		Model:       q.Get("model"),
		TriggerType: q.Get("trigger_type"),
		SessionID:   q.Get("session_id"),
	}
	if raw := q.Get("since_hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			query.SinceHours = n
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			query.Limit = n
		}
	}
	return query
}

func (s *Server) handleUsageRecords(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	records := a.Usage.QueryRecords(usageQueryFrom(r))
	writeData(w, map[string]interface{}{"records": records, "count": len(records)})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	records := a.Usage.QueryRecords(usageQueryFrom(r))
	writeData(w, a.Usage.Summarize(records))
}
