// Package scheduler hosts the two background drivers: the fixed-interval
// heartbeat and the cron-like job scheduler. Both share the stoppable
// single-task lifecycle and JSONL run records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/runner"
	"github.com/miniclaw/miniclaw/pkg/storage"
	"github.com/miniclaw/miniclaw/pkg/tools"
)

// HeartbeatOKReply suppresses session persistence when returned whole.
const HeartbeatOKReply = "HEARTBEAT_OK"

// Heartbeat tick statuses.
const (
	StatusOK             = "ok"
	StatusError          = "error"
	StatusSkippedWindow  = "skipped_outside_window"
	StatusSkippedNoPrmpt = "skipped_no_prompt"
)

// TurnRunner abstracts the orchestrator so tests can fake turns.
type TurnRunner interface {
	Run(ctx context.Context, req runner.TurnRequest) (string, error)
}

// Heartbeat periodically nudges one agent during its active window.
type Heartbeat struct {
	agent *agent.Agent
	turns TurnRunner
	now   func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewHeartbeat(a *agent.Agent, turns TurnRunner) *Heartbeat {
	return &Heartbeat{agent: a, turns: turns, now: time.Now}
}

func (h *Heartbeat) runsPath() string {
	return filepath.Join(h.agent.RootDir, "storage", "heartbeat_runs.jsonl")
}

// Start spawns the tick loop; it is a no-op while already running.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.loop(h.stop, h.done)
}

// Stop signals the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (h *Heartbeat) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		interval := time.Duration(h.agent.Runtime.Heartbeat.IntervalSeconds) * time.Second
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
		if !h.agent.Runtime.Heartbeat.Enabled {
			continue
		}
		h.TickOnce(context.Background())
	}
}

// withinActiveWindow applies the [start, end) hour window with
// wrap-around; equal bounds mean always-on.
func withinActiveWindow(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// heartbeatPrompt strips blank and comment lines; an empty remainder
// means the tick has nothing to do.
func heartbeatPrompt(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (h *Heartbeat) record(status, timezone, details string) {
	row := map[string]interface{}{
		"timestamp_ms": h.now().UnixMilli(),
		"status":       status,
		"timezone":     timezone,
	}
	if details != "" {
		row["details"] = details
	}
	if err := storage.AppendJSONL(h.agent.Locks, h.runsPath(), row); err != nil {
		slog.Debug("Heartbeat record append failed", "error", err)
	}
}

// TickOnce evaluates the window and prompt and runs a single heartbeat
// turn when both allow it.
func (h *Heartbeat) TickOnce(ctx context.Context) string {
	cfg := h.agent.Runtime.Heartbeat

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		location = time.UTC
	}
	local := h.now().In(location)
	if !withinActiveWindow(local.Hour(), cfg.ActiveStartHour, cfg.ActiveEndHour) {
		h.record(StatusSkippedWindow, cfg.Timezone,
			fmt.Sprintf("hour %d outside [%d, %d)", local.Hour(), cfg.ActiveStartHour, cfg.ActiveEndHour))
		return StatusSkippedWindow
	}

	raw, err := os.ReadFile(filepath.Join(h.agent.RootDir, "workspace", "HEARTBEAT.md"))
	if err != nil {
		raw = nil
	}
	prompt := heartbeatPrompt(string(raw))
	if prompt == "" {
		h.record(StatusSkippedNoPrmpt, cfg.Timezone, "")
		return StatusSkippedNoPrmpt
	}

	reply, err := h.turns.Run(ctx, runner.TurnRequest{
		SessionID:     cfg.SessionID,
		Trigger:       tools.TriggerHeartbeat,
		Message:       prompt,
		SkipSaveExact: HeartbeatOKReply,
	})
	if err != nil {
		h.record(StatusError, cfg.Timezone, err.Error())
		return StatusError
	}

	details := ""
	if strings.TrimSpace(reply) == HeartbeatOKReply {
		details = "HEARTBEAT_EMPTY"
	}
	h.record(StatusOK, cfg.Timezone, details)
	return StatusOK
}

// Runs returns the newest-last tail of the heartbeat log.
func (h *Heartbeat) Runs(limit int) []map[string]interface{} {
	return storage.TailJSONL(h.runsPath(), limit)
}
