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

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/runner"
	"github.com/miniclaw/miniclaw/pkg/storage"
	"github.com/miniclaw/miniclaw/pkg/tools"
)

// Schedule kinds accepted by the job store.
const (
	ScheduleAt    = "at"    // one-shot RFC3339 timestamp
	ScheduleEvery = "every" // fixed interval in seconds
	ScheduleCron  = "cron"  // 5-field cron expression
)

const (
	minEverySeconds   = 5
	responsePreviewCh = 200
	cronSessionPrefix = "__cron__:"
)

// fieldParser understands the classic 5-field layout, day-of-week 0=Sunday.
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job is one scheduled prompt. A disabled job always carries
// next_run_ts 0, and vice versa.
type Job struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ScheduleType  string `json:"schedule_type"`
	Schedule      string `json:"schedule"`
	Prompt        string `json:"prompt"`
	Enabled       bool   `json:"enabled"`
	NextRunTS     int64  `json:"next_run_ts"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	LastRunTS     int64  `json:"last_run_ts"`
	LastSuccessTS int64  `json:"last_success_ts"`
	FailureCount  int    `json:"failure_count"`
	LastError     string `json:"last_error,omitempty"`
}

type jobFile struct {
	Jobs []Job `json:"jobs"`
}

// atLayoutLocal accepts zone-less ISO timestamps, interpreted in the
// configured cron timezone.
const atLayoutLocal = "2006-01-02T15:04:05"

func parseAt(schedule string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, schedule); err == nil {
		return t, nil
	}
	return time.ParseInLocation(atLayoutLocal, schedule, loc)
}

// ValidateSchedule checks a schedule_type/schedule pair without
// touching the store.
func ValidateSchedule(scheduleType, schedule string) error {
	switch scheduleType {
	case ScheduleAt:
		if _, err := parseAt(schedule, time.UTC); err != nil {
			return fmt.Errorf("at schedule must be an RFC3339 or zone-less ISO timestamp: %w", err)
		}
	case ScheduleEvery:
		seconds, err := strconv.Atoi(schedule)
		if err != nil {
			return fmt.Errorf("every schedule must be an integer second count: %w", err)
		}
		if seconds < minEverySeconds {
			return fmt.Errorf("every schedule must be at least %d seconds", minEverySeconds)
		}
	case ScheduleCron:
		if _, err := fieldParser.Parse(schedule); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// nextRun computes the next fire time in unix seconds, or 0 when the
// schedule will never fire again. Cron expressions and zone-less at
// timestamps are evaluated in loc.
func nextRun(scheduleType, schedule string, after time.Time, loc *time.Location) int64 {
	switch scheduleType {
	case ScheduleAt:
		// Past timestamps fire once on the next tick (at-least-once),
		// then the one-shot handling disables the job.
		at, err := parseAt(schedule, loc)
		if err != nil {
			return 0
		}
		return at.Unix()
	case ScheduleEvery:
		seconds, err := strconv.Atoi(schedule)
		if err != nil || seconds < minEverySeconds {
			return 0
		}
		return after.Add(time.Duration(seconds) * time.Second).Unix()
	case ScheduleCron:
		expr, err := fieldParser.Parse(schedule)
		if err != nil {
			return 0
		}
		return expr.Next(after.In(loc)).Unix()
	}
	return 0
}

// Cron polls a per-agent JSON job store and runs due prompts through
// the orchestrator, one session per job.
type Cron struct {
	agent *agent.Agent
	turns TurnRunner
	now   func() time.Time

	storeMu sync.Mutex

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewCron(a *agent.Agent, turns TurnRunner) *Cron {
	return &Cron{agent: a, turns: turns, now: time.Now}
}

// location resolves the configured cron timezone, UTC on failure.
func (c *Cron) location() *time.Location {
	loc, err := time.LoadLocation(c.agent.Runtime.Cron.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Cron) jobsPath() string {
	return filepath.Join(c.agent.RootDir, "storage", "cron_jobs.json")
}

func (c *Cron) runsPath() string {
	return filepath.Join(c.agent.RootDir, "storage", "cron_runs.jsonl")
}

func (c *Cron) failuresPath() string {
	return filepath.Join(c.agent.RootDir, "storage", "cron_failures.jsonl")
}

func (c *Cron) loadJobs() ([]Job, error) {
	raw, err := os.ReadFile(c.jobsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var file jobFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse cron job store: %w", err)
	}
	return file.Jobs, nil
}

func (c *Cron) saveJobs(jobs []Job) error {
	raw, err := json.MarshalIndent(jobFile{Jobs: jobs}, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(c.agent.Locks, c.jobsPath(), raw)
}

// Jobs lists the store sorted by creation time.
func (c *Cron) Jobs() ([]Job, error) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	jobs, err := c.loadJobs()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	return jobs, nil
}

// AddJob validates the schedule and appends a new enabled job.
func (c *Cron) AddJob(name, scheduleType, schedule, prompt string) (Job, error) {
	if err := ValidateSchedule(scheduleType, schedule); err != nil {
		return Job{}, err
	}
	now := c.now()
	job := Job{
		ID:           uuid.NewString(),
		Name:         name,
		ScheduleType: scheduleType,
		Schedule:     schedule,
		Prompt:       prompt,
		Enabled:      true,
		NextRunTS:    nextRun(scheduleType, schedule, now, c.location()),
		CreatedAt:    now.Unix(),
		UpdatedAt:    now.Unix(),
	}
	if job.NextRunTS == 0 {
		job.Enabled = false
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	jobs, err := c.loadJobs()
	if err != nil {
		return Job{}, err
	}
	jobs = append(jobs, job)
	if err := c.saveJobs(jobs); err != nil {
		return Job{}, err
	}
	return job, nil
}

// UpdateJob applies the non-nil fields. Changing the schedule recomputes
// next_run_ts; toggling enabled keeps the invariant with next_run_ts.
type JobUpdate struct {
	Name         *string
	ScheduleType *string
	Schedule     *string
	Prompt       *string
	Enabled      *bool
}

func (c *Cron) UpdateJob(id string, update JobUpdate) (Job, error) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	jobs, err := c.loadJobs()
	if err != nil {
		return Job{}, err
	}
	for i := range jobs {
		if jobs[i].ID != id {
			continue
		}
		job := &jobs[i]
		rescheduled := false
		if update.Name != nil {
			job.Name = *update.Name
		}
		if update.Prompt != nil {
			job.Prompt = *update.Prompt
		}
		if update.ScheduleType != nil || update.Schedule != nil {
			scheduleType := job.ScheduleType
			schedule := job.Schedule
			if update.ScheduleType != nil {
				scheduleType = *update.ScheduleType
			}
			if update.Schedule != nil {
				schedule = *update.Schedule
			}
			if err := ValidateSchedule(scheduleType, schedule); err != nil {
				return Job{}, err
			}
			job.ScheduleType = scheduleType
			job.Schedule = schedule
			rescheduled = true
		}
		if update.Enabled != nil {
			job.Enabled = *update.Enabled
			rescheduled = rescheduled || job.Enabled
		}
		if job.Enabled && rescheduled {
			job.NextRunTS = nextRun(job.ScheduleType, job.Schedule, c.now(), c.location())
			if job.NextRunTS == 0 {
				job.Enabled = false
			}
		}
		if !job.Enabled {
			job.NextRunTS = 0
		}
		job.UpdatedAt = c.now().Unix()
		if err := c.saveJobs(jobs); err != nil {
			return Job{}, err
		}
		return *job, nil
	}
	return Job{}, fmt.Errorf("cron job %s not found", id)
}

// RemoveJob deletes a job; it reports whether the id existed.
func (c *Cron) RemoveJob(id string) (bool, error) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	jobs, err := c.loadJobs()
	if err != nil {
		return false, err
	}
	kept := jobs[:0]
	found := false
	for _, job := range jobs {
		if job.ID == id {
			found = true
			continue
		}
		kept = append(kept, job)
	}
	if !found {
		return false, nil
	}
	return true, c.saveJobs(kept)
}

// Start spawns the polling loop; no-op while already running.
func (c *Cron) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)
}

// Stop signals the loop and waits for it to exit.
func (c *Cron) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Cron) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		interval := time.Duration(c.agent.Runtime.Cron.PollIntervalSeconds) * time.Second
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
		if !c.agent.Runtime.Cron.Enabled {
			continue
		}
		if err := c.TickOnce(context.Background()); err != nil {
			slog.Warn("Cron tick failed", "agent", c.agent.ID, "error", err)
		}
	}
}

// TickOnce runs every due job once. Job executions happen outside the
// store lock so a slow turn does not block CRUD.
func (c *Cron) TickOnce(ctx context.Context) error {
	now := c.now()

	c.storeMu.Lock()
	jobs, err := c.loadJobs()
	if err != nil {
		c.storeMu.Unlock()
		return err
	}
	var due []Job
	for _, job := range jobs {
		if job.Enabled && job.NextRunTS > 0 && job.NextRunTS <= now.Unix() {
			due = append(due, job)
		}
	}
	c.storeMu.Unlock()

	for _, job := range due {
		c.runJob(ctx, job, false)
	}
	return nil
}

// RunJobNow fires one job immediately, disabled or not, and applies the
// usual success and failure bookkeeping.
func (c *Cron) RunJobNow(ctx context.Context, id string) (Job, error) {
	c.storeMu.Lock()
	jobs, err := c.loadJobs()
	c.storeMu.Unlock()
	if err != nil {
		return Job{}, err
	}
	for _, job := range jobs {
		if job.ID == id {
			return c.runJob(ctx, job, true), nil
		}
	}
	return Job{}, fmt.Errorf("cron job %s not found", id)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= responsePreviewCh {
		return text
	}
	return string(runes[:responsePreviewCh])
}

func (c *Cron) runJob(ctx context.Context, job Job, manual bool) Job {
	reply, runErr := c.turns.Run(ctx, runner.TurnRequest{
		SessionID: cronSessionPrefix + job.ID,
		Trigger:   tools.TriggerCron,
		Message:   job.Prompt,
	})

	status := StatusOK
	if runErr != nil {
		status = StatusError
	}
	runRow := map[string]interface{}{
		"timestamp_ms": c.now().UnixMilli(),
		"job_id":       job.ID,
		"name":         job.Name,
		"status":       status,
	}
	if runErr == nil {
		runRow["response_preview"] = preview(reply)
	} else {
		runRow["response_preview"] = preview(runErr.Error())
	}
	if err := storage.AppendJSONL(c.agent.Locks, c.runsPath(), runRow); err != nil {
		slog.Debug("Cron run record append failed", "error", err)
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	jobs, err := c.loadJobs()
	if err != nil {
		slog.Warn("Cron store reload failed after run", "error", err)
		return job
	}
	for i := range jobs {
		if jobs[i].ID != job.ID {
			continue
		}
		stored := &jobs[i]
		now := c.now()
		stored.LastRunTS = now.Unix()
		if runErr == nil {
			c.applySuccess(stored, now)
		} else {
			c.applyFailure(stored, now, runErr)
		}
		// Manual fires do not reschedule disabled jobs.
		if manual && !job.Enabled {
			stored.Enabled = false
			stored.NextRunTS = 0
		}
		stored.UpdatedAt = now.Unix()
		if err := c.saveJobs(jobs); err != nil {
			slog.Warn("Cron store save failed after run", "error", err)
		}
		return *stored
	}
	return job
}

func (c *Cron) applySuccess(job *Job, now time.Time) {
	job.LastSuccessTS = now.Unix()
	job.FailureCount = 0
	job.LastError = ""
	if job.ScheduleType == ScheduleAt {
		// One-shot: it fired, never again.
		job.Enabled = false
		job.NextRunTS = 0
		return
	}
	job.NextRunTS = nextRun(job.ScheduleType, job.Schedule, now, c.location())
	if job.NextRunTS == 0 {
		job.Enabled = false
	}
}

func (c *Cron) applyFailure(job *Job, now time.Time, runErr error) {
	cfg := c.agent.Runtime.Cron
	job.FailureCount++
	job.LastError = runErr.Error()

	failureRow := map[string]interface{}{
		"timestamp_ms":  now.UnixMilli(),
		"job_id":        job.ID,
		"name":          job.Name,
		"failure_count": job.FailureCount,
		"error":         runErr.Error(),
	}
	if err := storage.AppendJSONL(c.agent.Locks, c.failuresPath(), failureRow); err != nil {
		slog.Debug("Cron failure record append failed", "error", err)
	}
	if err := storage.TrimJSONL(c.agent.Locks, c.failuresPath(), cfg.FailureRetention); err != nil {
		slog.Debug("Cron failure log trim failed", "error", err)
	}

	if job.FailureCount >= cfg.MaxFailures {
		job.Enabled = false
		job.NextRunTS = 0
		return
	}
	backoff := time.Duration(cfg.RetryBaseSeconds) * time.Second
	for i := 1; i < job.FailureCount; i++ {
		backoff *= 2
		if backoff >= time.Duration(cfg.RetryMaxSeconds)*time.Second {
			break
		}
	}
	if ceiling := time.Duration(cfg.RetryMaxSeconds) * time.Second; backoff > ceiling {
		backoff = ceiling
	}
	job.NextRunTS = now.Add(backoff).Unix()
}

// Runs returns the newest-last tail of the run log.
func (c *Cron) Runs(limit int) []map[string]interface{} {
	return storage.TailJSONL(c.runsPath(), limit)
}

// Failures returns the newest-last tail of the failure log.
func (c *Cron) Failures(limit int) []map[string]interface{} {
	return storage.TailJSONL(c.failuresPath(), limit)
}
