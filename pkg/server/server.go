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

// Package server exposes the HTTP API: agents, sessions, chat with SSE
// fan-out, workspace files, config, schedulers, usage and token counts.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/observability"
	"github.com/miniclaw/miniclaw/pkg/runner"
	"github.com/miniclaw/miniclaw/pkg/scheduler"
)

const (
	chatRateLimitPerMinute  = 60
	filesRateLimitPerMinute = 120
)

type Options struct {
	Host           string
	Port           int
	TrustedHosts   []string
	AllowedOrigins []string
}

// agentSchedulers pairs the background drivers of one agent.
type agentSchedulers struct {
	heartbeat *scheduler.Heartbeat
	cron      *scheduler.Cron
}

// Server holds the agent registry and scheduler handles; handlers close
// over this value rather than package globals.
type Server struct {
	registry *agent.Registry
	metrics  *observability.Metrics
	opts     Options
	router   chi.Router
	runs     *runManager

	schedMu    sync.Mutex
	schedulers map[string]*agentSchedulers

	httpServer *http.Server
}

func New(registry *agent.Registry, metrics *observability.Metrics, opts Options) *Server {
	s := &Server{
		registry:   registry,
		metrics:    metrics,
		opts:       opts,
		runs:       newRunManager(),
		schedulers: map[string]*agentSchedulers{},
	}
	s.router = s.routes()
	return s
}

// Handler returns the fully-wired router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(securityHeaders)
	r.Use(hostGuard(s.opts.TrustedHosts))
	r.Use(corsOrigins(s.opts.AllowedOrigins))
	r.Use(requestLogger)
	if s.metrics != nil {
		r.Use(s.metrics.HTTPMiddleware(func(req *http.Request) string {
			if rctx := chi.RouteContext(req.Context()); rctx != nil {
				return rctx.RoutePattern()
			}
			return ""
		}))
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	chatLimit := newRateLimiter(chatRateLimitPerMinute)
	fileLimit := newRateLimiter(filesRateLimitPerMinute)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)

		api.Get("/agents", s.handleListAgents)
		api.Post("/agents", s.handleCreateAgent)
		api.Delete("/agents/{id}", s.handleDeleteAgent)

		api.Get("/sessions", s.handleListSessions)
		api.Post("/sessions", s.handleCreateSession)
		api.Route("/sessions/{id}", func(sr chi.Router) {
			sr.Put("/", s.handleRenameSession)
			sr.Delete("/", s.handleDeleteSession)
			sr.Post("/archive", s.handleArchiveSession)
			sr.Post("/restore", s.handleRestoreSession)
			sr.Get("/messages", s.handleSessionMessages)
			sr.Get("/history", s.handleSessionHistory)
			sr.Post("/generate-title", s.handleGenerateTitle)
			sr.Post("/compress", s.handleCompressSession)
		})

		api.With(chatLimit.middleware).Post("/chat", s.handleChat)

		api.Group(func(fr chi.Router) {
			fr.Use(fileLimit.middleware)
			fr.Get("/files", s.handleReadFile)
			fr.Post("/files", s.handleWriteFile)
			fr.Get("/files/index", s.handleFileIndex)
			fr.Get("/skills", s.handleSkills)
			fr.Post("/tokens/count", s.handleCountTokens)
			fr.Post("/tokens/files", s.handleCountFileTokens)
		})

		api.Get("/config/rag-mode", s.handleGetRAGMode)
		api.Put("/config/rag-mode", s.handlePutRAGMode)
		api.Get("/config/runtime", s.handleGetRuntimeConfig)
		api.Put("/config/runtime", s.handlePutRuntimeConfig)
		api.Get("/config/tracing", s.handleGetTracing)
		api.Put("/config/tracing", s.handlePutTracing)

		api.Route("/scheduler", func(sched chi.Router) {
			sched.Use(s.requireSchedulerAPI)
			sched.Get("/cron/jobs", s.handleListCronJobs)
			sched.Post("/cron/jobs", s.handleCreateCronJob)
			sched.Put("/cron/jobs/{jobID}", s.handleUpdateCronJob)
			sched.Delete("/cron/jobs/{jobID}", s.handleDeleteCronJob)
			sched.Post("/cron/jobs/{jobID}/run", s.handleRunCronJob)
			sched.Get("/cron/runs", s.handleCronRuns)
			sched.Get("/cron/failures", s.handleCronFailures)
			sched.Get("/heartbeat", s.handleGetHeartbeat)
			sched.Put("/heartbeat", s.handlePutHeartbeat)
			sched.Get("/heartbeat/runs", s.handleHeartbeatRuns)
		})

		api.Get("/usage/records", s.handleUsageRecords)
		api.Get("/usage/summary", s.handleUsageSummary)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]interface{}{"status": "ok"})
}

// agentFor resolves the agent named by the agent_id query parameter,
// defaulting to the default agent. A nil return means the error has
// been written.
func (s *Server) agentFor(w http.ResponseWriter, r *http.Request) *agent.Agent {
	id := r.URL.Query().Get("agent_id")
	if id == "" {
		id = agent.DefaultAgentID
	}
	a, err := s.registry.Get(id)
	if err != nil {
		writeError(w, CodeNotFound, fmt.Sprintf("agent %s: %v", id, err))
		return nil
	}
	return a
}

func (s *Server) agentByID(w http.ResponseWriter, id string) *agent.Agent {
	if id == "" {
		id = agent.DefaultAgentID
	}
	a, err := s.registry.Get(id)
	if err != nil {
		writeError(w, CodeNotFound, fmt.Sprintf("agent %s: %v", id, err))
		return nil
	}
	return a
}

// SchedulersFor returns (building on first use) the background drivers
// for one agent.
func (s *Server) SchedulersFor(a *agent.Agent) (*scheduler.Heartbeat, *scheduler.Cron) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if pair, ok := s.schedulers[a.ID]; ok {
		return pair.heartbeat, pair.cron
	}
	turns := runner.New(a)
	pair := &agentSchedulers{
		heartbeat: scheduler.NewHeartbeat(a, turns),
		cron:      scheduler.NewCron(a, turns),
	}
	s.schedulers[a.ID] = pair
	return pair.heartbeat, pair.cron
}

// StartSchedulers launches the background drivers for the default agent.
func (s *Server) StartSchedulers() error {
	a, err := s.registry.EnsureDefault()
	if err != nil {
		return err
	}
	heartbeat, cron := s.SchedulersFor(a)
	heartbeat.Start()
	cron.Start()
	return nil
}

// StopSchedulers stops every driver that was started.
func (s *Server) StopSchedulers() {
	s.schedMu.Lock()
	pairs := make([]*agentSchedulers, 0, len(s.schedulers))
	for _, pair := range s.schedulers {
		pairs = append(pairs, pair)
	}
	s.schedMu.Unlock()
	for _, pair := range pairs {
		pair.heartbeat.Stop()
		pair.cron.Stop()
	}
}

// Start serves until the context is cancelled or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errs <- s.httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errs:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
