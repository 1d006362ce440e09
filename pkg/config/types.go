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

// Package config defines the layered runtime configuration: a global
// config.json merged with a per-agent config.json, where agent files
// persist only their delta against baseline defaults.
package config

// Injection modes for the bootstrap prompt pack.
const (
	InjectEveryTurn     = "every_turn"
	InjectFirstTurnOnly = "first_turn_only"
)

// RuntimeConfig is the effective per-agent configuration tree.
type RuntimeConfig struct {
	RAGMode             bool                  `json:"rag_mode" mapstructure:"rag_mode"`
	PromptInjectionMode string                `json:"prompt_injection_mode" mapstructure:"prompt_injection_mode"`
	Bootstrap           BootstrapConfig       `json:"bootstrap" mapstructure:"bootstrap"`
	Agent               AgentExecConfig       `json:"agent" mapstructure:"agent"`
	LLM                 LLMRuntimeConfig      `json:"llm" mapstructure:"llm"`
	Retrieval           RetrievalConfig       `json:"retrieval" mapstructure:"retrieval"`
	Tools               ToolsConfig           `json:"tools" mapstructure:"tools"`
	Heartbeat           HeartbeatConfig       `json:"heartbeat" mapstructure:"heartbeat"`
	Cron                CronConfig            `json:"cron" mapstructure:"cron"`
	Scheduler           SchedulerAPIConfig    `json:"scheduler" mapstructure:"scheduler"`
	Tracing             TracingConfig         `json:"tracing" mapstructure:"tracing"`
}

type BootstrapConfig struct {
	MaxChars      int `json:"max_chars" mapstructure:"max_chars"`
	TotalMaxChars int `json:"total_max_chars" mapstructure:"total_max_chars"`
}

type AgentExecConfig struct {
	MaxSteps   int `json:"max_steps" mapstructure:"max_steps"`
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`
}

type LLMRuntimeConfig struct {
	Temperature    float64 `json:"temperature" mapstructure:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type RetrievalConfig struct {
	Memory    RetrievalDomainConfig  `json:"memory" mapstructure:"memory"`
	Knowledge RetrievalDomainConfig  `json:"knowledge" mapstructure:"knowledge"`
	Storage   RetrievalStorageConfig `json:"storage" mapstructure:"storage"`
}

// RetrievalDomainConfig tunes chunking and hybrid scoring for one domain.
type RetrievalDomainConfig struct {
	TopK           int     `json:"top_k" mapstructure:"top_k"`
	SemanticWeight float64 `json:"semantic_weight" mapstructure:"semantic_weight"`
	LexicalWeight  float64 `json:"lexical_weight" mapstructure:"lexical_weight"`
	ChunkSize      int     `json:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap   int     `json:"chunk_overlap" mapstructure:"chunk_overlap"`
}

type RetrievalStorageConfig struct {
	Engine        string `json:"engine" mapstructure:"engine"` // "sqlite" or "json"
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	FTSPrefilterK int    `json:"fts_prefilter_k" mapstructure:"fts_prefilter_k"`
}

type ToolsConfig struct {
	TerminalTimeoutSeconds      int `json:"terminal_timeout_seconds" mapstructure:"terminal_timeout_seconds"`
	PythonTimeoutSeconds        int `json:"python_timeout_seconds" mapstructure:"python_timeout_seconds"`
	FetchTimeoutSeconds         int `json:"fetch_timeout_seconds" mapstructure:"fetch_timeout_seconds"`
	TerminalMaxOutputChars      int `json:"terminal_max_output_chars" mapstructure:"terminal_max_output_chars"`
	PythonMaxOutputChars        int `json:"python_max_output_chars" mapstructure:"python_max_output_chars"`
	FetchMaxOutputChars         int `json:"fetch_max_output_chars" mapstructure:"fetch_max_output_chars"`
	FileMaxOutputChars          int `json:"file_max_output_chars" mapstructure:"file_max_output_chars"`
	RepeatIdenticalFailureLimit int `json:"repeat_identical_failure_limit" mapstructure:"repeat_identical_failure_limit"`

	// AutonomousEnabled grants named tools to autonomous triggers beyond
	// their permission ceiling; for chat it restricts instead.
	AutonomousEnabled map[string][]string `json:"autonomous_enabled" mapstructure:"autonomous_enabled"`
}

type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	IntervalSeconds int    `json:"interval_seconds" mapstructure:"interval_seconds"`
	Timezone        string `json:"timezone" mapstructure:"timezone"`
	ActiveStartHour int    `json:"active_start_hour" mapstructure:"active_start_hour"`
	ActiveEndHour   int    `json:"active_end_hour" mapstructure:"active_end_hour"`
	SessionID       string `json:"session_id" mapstructure:"session_id"`
}

type CronConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	PollIntervalSeconds int    `json:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	Timezone            string `json:"timezone" mapstructure:"timezone"`
	MaxFailures         int    `json:"max_failures" mapstructure:"max_failures"`
	RetryBaseSeconds    int    `json:"retry_base_seconds" mapstructure:"retry_base_seconds"`
	RetryMaxSeconds     int    `json:"retry_max_seconds" mapstructure:"retry_max_seconds"`
	FailureRetention    int    `json:"failure_retention" mapstructure:"failure_retention"`
}

type SchedulerAPIConfig struct {
	APIEnabled            bool `json:"api_enabled" mapstructure:"api_enabled"`
	RunsQueryDefaultLimit int  `json:"runs_query_default_limit" mapstructure:"runs_query_default_limit"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
}

// SetDefaults fills zero values with the baseline defaults.
func (c *RuntimeConfig) SetDefaults() {
	if c.PromptInjectionMode == "" {
		c.PromptInjectionMode = InjectEveryTurn
	}
	c.Bootstrap.SetDefaults()
	c.Agent.SetDefaults()
	c.LLM.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Tools.SetDefaults()
	c.Heartbeat.SetDefaults()
	c.Cron.SetDefaults()
	c.Scheduler.SetDefaults()
}

func (c *BootstrapConfig) SetDefaults() {
	if c.MaxChars <= 0 {
		c.MaxChars = 20000
	}
	if c.TotalMaxChars <= 0 {
		c.TotalMaxChars = 150000
	}
}

func (c *AgentExecConfig) SetDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
}

func (c *LLMRuntimeConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 120
	}
}

func (c *RetrievalConfig) SetDefaults() {
	c.Memory.SetDefaults()
	c.Knowledge.SetDefaults()
	c.Storage.SetDefaults()
}

func (c *RetrievalDomainConfig) SetDefaults() {
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.SemanticWeight == 0 {
		c.SemanticWeight = 0.7
	}
	if c.LexicalWeight == 0 {
		c.LexicalWeight = 0.3
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 400
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 80
	}
}

// Sanitize floors the tunables to their safe minimums.
func (c *RetrievalDomainConfig) Sanitize() {
	if c.ChunkSize < 64 {
		c.ChunkSize = 64
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
	if c.TopK < 1 {
		c.TopK = 1
	}
}

func (c *RetrievalStorageConfig) SetDefaults() {
	if c.Engine == "" {
		c.Engine = "sqlite"
	}
	if c.DBPath == "" {
		c.DBPath = "storage/retrieval.db"
	}
	if c.FTSPrefilterK <= 0 {
		c.FTSPrefilterK = 24
	}
}

func (c *ToolsConfig) SetDefaults() {
	if c.TerminalTimeoutSeconds <= 0 {
		c.TerminalTimeoutSeconds = 30
	}
	if c.PythonTimeoutSeconds <= 0 {
		c.PythonTimeoutSeconds = 30
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 15
	}
	if c.TerminalMaxOutputChars <= 0 {
		c.TerminalMaxOutputChars = 5000
	}
	if c.PythonMaxOutputChars <= 0 {
		c.PythonMaxOutputChars = 5000
	}
	if c.FetchMaxOutputChars <= 0 {
		c.FetchMaxOutputChars = 10000
	}
	if c.FileMaxOutputChars <= 0 {
		c.FileMaxOutputChars = 10000
	}
	if c.RepeatIdenticalFailureLimit <= 0 {
		c.RepeatIdenticalFailureLimit = 2
	}
	if c.AutonomousEnabled == nil {
		c.AutonomousEnabled = map[string][]string{}
	}
}

func (c *HeartbeatConfig) SetDefaults() {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 300
	}
	if c.IntervalSeconds < 30 {
		c.IntervalSeconds = 30
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.ActiveStartHour == 0 && c.ActiveEndHour == 0 {
		c.ActiveStartHour = 9
		c.ActiveEndHour = 21
	}
	if c.SessionID == "" {
		c.SessionID = "__heartbeat__"
	}
}

func (c *CronConfig) SetDefaults() {
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 20
	}
	if c.PollIntervalSeconds < 5 {
		c.PollIntervalSeconds = 5
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 8
	}
	if c.RetryBaseSeconds <= 0 {
		c.RetryBaseSeconds = 30
	}
	if c.RetryMaxSeconds <= 0 {
		c.RetryMaxSeconds = 3600
	}
	if c.FailureRetention <= 0 {
		c.FailureRetention = 200
	}
}

func (c *SchedulerAPIConfig) SetDefaults() {
	if c.RunsQueryDefaultLimit <= 0 {
		c.RunsQueryDefaultLimit = 50
	}
}

// Clamp floors the values whose minimums must hold even when a config file
// sets them explicitly.
func (c *RuntimeConfig) Clamp() {
	if c.Heartbeat.IntervalSeconds < 30 {
		c.Heartbeat.IntervalSeconds = 30
	}
	c.Heartbeat.ActiveStartHour = ((c.Heartbeat.ActiveStartHour % 24) + 24) % 24
	c.Heartbeat.ActiveEndHour = ((c.Heartbeat.ActiveEndHour % 24) + 24) % 24
	if c.Cron.PollIntervalSeconds < 5 {
		c.Cron.PollIntervalSeconds = 5
	}
	c.Retrieval.Memory.Sanitize()
	c.Retrieval.Knowledge.Sanitize()
	if c.Tools.RepeatIdenticalFailureLimit < 1 {
		c.Tools.RepeatIdenticalFailureLimit = 1
	}
}

// DefaultRuntimeConfig returns the baseline used for delta computation.
// Booleans whose default is true are set here, not in SetDefaults, so an
// explicit false in a config file survives decoding.
func DefaultRuntimeConfig() RuntimeConfig {
	var c RuntimeConfig
	c.SetDefaults()
	c.Cron.Enabled = true
	c.Scheduler.APIEnabled = true
	return c
}
