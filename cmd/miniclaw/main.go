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

// Command miniclaw runs the multi-tenant agent runtime: HTTP API,
// heartbeat and cron schedulers, and the tool/retrieval stack.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/miniclaw/miniclaw/pkg/agent"
	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/logger"
	"github.com/miniclaw/miniclaw/pkg/observability"
	"github.com/miniclaw/miniclaw/pkg/server"
	"github.com/miniclaw/miniclaw/pkg/storage"
)

var version = "dev"

type cli struct {
	Serve   serveCmd   `cmd:"" default:"1" help:"Run the HTTP server and schedulers."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type serveCmd struct {
	Host       string `help:"Bind host." default:"127.0.0.1" env:"APP_HOST"`
	Port       int    `help:"Bind port." default:"8787" env:"APP_PORT"`
	DataDir    string `help:"Data directory holding workspaces and config." default:"./data" env:"APP_DATA_DIR" type:"path"`
	LogLevel   string `help:"Log level (debug, info, warn, error)." default:"info" env:"APP_LOG_LEVEL"`
	LogFormat  string `help:"Log format (text or json)." default:"text" env:"APP_LOG_FORMAT"`
	Schedulers bool   `help:"Start heartbeat and cron schedulers." default:"true" negatable:""`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println("miniclaw", version)
	return nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *serveCmd) Run() error {
	logger.Init(logger.Options{
		Level:  logger.ParseLevel(c.LogLevel),
		Format: c.LogFormat,
	})
	log := logger.Get()

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	secrets := config.LoadSecrets(c.DataDir)

	registry := agent.NewRegistry(agent.RegistryOptions{
		DataDir:     c.DataDir,
		TemplateDir: os.Getenv("APP_WORKSPACE_TEMPLATE"),
		Secrets:     &secrets,
		Locks:       storage.NewLockRegistry(),
	})
	defaultAgent, err := registry.EnsureDefault()
	if err != nil {
		return fmt.Errorf("bootstrap default agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, defaultAgent.Runtime.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metrics := observability.NewMetrics()
	srv := server.New(registry, metrics, server.Options{
		Host:           c.Host,
		Port:           c.Port,
		TrustedHosts:   splitCSV(os.Getenv("APP_TRUSTED_HOSTS")),
		AllowedOrigins: splitCSV(os.Getenv("APP_ALLOWED_ORIGINS")),
	})

	if c.Schedulers {
		if err := srv.StartSchedulers(); err != nil {
			return fmt.Errorf("start schedulers: %w", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start(groupCtx)
	})

	log.Info("Runtime started",
		"addr", fmt.Sprintf("%s:%d", c.Host, c.Port),
		"data_dir", c.DataDir,
		"agent", defaultAgent.ID)

	err = group.Wait()
	srv.StopSchedulers()
	if shutdownErr := shutdownTracing(context.Background()); shutdownErr != nil {
		log.Warn("Tracer shutdown failed", "error", shutdownErr)
	}
	return err
}

func main() {
	app := kong.Parse(&cli{},
		kong.Name("miniclaw"),
		kong.Description("Multi-tenant agent runtime."),
		kong.UsageOnError(),
	)
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
