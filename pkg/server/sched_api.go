package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/scheduler"
)

// requireSchedulerAPI gates the scheduler surface behind the per-agent
// config flag. Scheduler endpoints identify the agent via the agent_id
// query parameter.
func (s *Server) requireSchedulerAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("agent_id")
		if id == "" {
			id = agent.DefaultAgentID
		}
		a, err := s.registry.Get(id)
		if err != nil {
			writeError(w, CodeNotFound, err.Error())
			return
		}
		if !a.Runtime.Scheduler.APIEnabled {
			writeError(w, CodeSchedulerAPIDisabled, "scheduler API is disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) schedulerHandles(w http.ResponseWriter, r *http.Request) (*agent.Agent, *scheduler.Heartbeat, *scheduler.Cron) {
	a := s.agentFor(w, r)
	if a == nil {
		return nil, nil, nil
	}
	heartbeat, cron := s.SchedulersFor(a)
	return a, heartbeat, cron
}

func (s *Server) queryLimit(r *http.Request, a *agent.Agent) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return a.Runtime.Scheduler.RunsQueryDefaultLimit
}

func (s *Server) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	_, _, cron := s.schedulerHandles(w, r)
	if cron == nil {
		return
	}
	jobs, err := cron.Jobs()
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleCreateCronJob(w http.ResponseWriter, r *http.Request) {
	_, _, cron := s.schedulerHandles(w, r)
	if cron == nil {
		return
	}
	var body struct {
		Name         string `json:"name"`
		ScheduleType string `json:"schedule_type"`
		Schedule     string `json:"schedule"`
		Prompt       string `json:"prompt"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Prompt == "" {
		writeError(w, CodeInvalidRequest, "prompt is required")
		return
	}
	job, err := cron.AddJob(body.Name, body.ScheduleType, body.Schedule, body.Prompt)
	if err != nil {
		writeError(w, CodeInvalidRequest, err.Error())
		return
	}
	writeData(w, job)
}

func (s *Server) handleUpdateCronJob(w http.ResponseWriter, r *http.Request) {
	_, _, cron := s.schedulerHandles(w, r)
	if cron == nil {
		return
	}
	var body struct {
		Name         *string `json:"name"`
		ScheduleType *string `json:"schedule_type"`
		Schedule     *string `json:"schedule"`
		Prompt       *string `json:"prompt"`
		Enabled      *bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	job, err := cron.UpdateJob(chi.URLParam(r, "jobID"), scheduler.JobUpdate{
		Name:         body.Name,
		ScheduleType: body.ScheduleType,
		Schedule:     body.Schedule,
		Prompt:       body.Prompt,
		Enabled:      body.Enabled,
	})
	if err != nil {
		writeError(w, CodeNotFound, err.Error())
		return
	}
	writeData(w, job)
}

func (s *Server) handleDeleteCronJob(w http.ResponseWriter, r *http.Request) {
	_, _, cron := s.schedulerHandles(w, r)
	if cron == nil {
		return
	}
	removed, err := cron.RemoveJob(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if !removed {
		writeError(w, CodeNotFound, "cron job not found")
		return
	}
	writeData(w, map[string]interface{}{"deleted": true})
}

func (s *Server) handleRunCronJob(w http.ResponseWriter, r *http.Request) {
	_, _, cron := s.schedulerHandles(w, r)
	if cron == nil {
		return
	}
	job, err := cron.RunJobNow(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, CodeNotFound, err.Error())
		return
	}
	writeData(w, job)
}

func (s *Server) handleCronRuns(w http.ResponseWriter, r *http.Request) {
	a, _, cron := s.schedulerHandles(w, r)
	if cron == nil {
		return
	}
	writeData(w, map[string]interface{}{"runs": cron.Runs(s.queryLimit(r, a))})
}

func (s *Server) handleCronFailures(w http.ResponseWriter, r *http.Request) {
	a, _, cron := s.schedulerHandles(w, r)
	if cron == nil {
		return
	}
	writeData(w, map[string]interface{}{"failures": cron.Failures(s.queryLimit(r, a))})
}

func (s *Server) handleGetHeartbeat(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	writeData(w, a.Runtime.Heartbeat)
}

func (s *Server) handlePutHeartbeat(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	var body struct {
		Enabled         *bool   `json:"enabled"`
		IntervalSeconds *int    `json:"interval_seconds"`
		Timezone        *string `json:"timezone"`
		ActiveStartHour *int    `json:"active_start_hour"`
		ActiveEndHour   *int    `json:"active_end_hour"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	hb := &a.Runtime.Heartbeat
	if body.Enabled != nil {
		hb.Enabled = *body.Enabled
	}
	if body.IntervalSeconds != nil {
		hb.IntervalSeconds = *body.IntervalSeconds
	}
	if body.Timezone != nil {
		hb.Timezone = *body.Timezone
	}
	if body.ActiveStartHour != nil {
		hb.ActiveStartHour = ((*body.ActiveStartHour % 24) + 24) % 24
	}
	if body.ActiveEndHour != nil {
		hb.ActiveEndHour = ((*body.ActiveEndHour % 24) + 24) % 24
	}
	a.Runtime.Clamp()
	if err := a.SaveRuntimeConfig(); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	writeData(w, a.Runtime.Heartbeat)
}

func (s *Server) handleHeartbeatRuns(w http.ResponseWriter, r *http.Request) {
	a, heartbeat, _ := s.schedulerHandles(w, r)
	if heartbeat == nil {
		return
	}
	writeData(w, map[string]interface{}{"runs": heartbeat.Runs(s.queryLimit(r, a))})
}
