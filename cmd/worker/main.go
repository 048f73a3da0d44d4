// Copyright 2026 The Botvisor Authors
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botvisor/botvisor/internal/agent"
	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/config"
	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/observability/tracing"
	"github.com/botvisor/botvisor/internal/supervisor"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		JournalSize: cfg.Observability.JournalSize,
	})
	slog.Info("starting botvisor worker", logger.String("workspace", cfg.Agent.Workspace))

	ctx := context.Background()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   cfg.Observability.SamplingRate,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}

	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", logger.Error(err))
		os.Exit(1)
	}

	processes := supervisor.New(
		supervisor.WithInterpreters(supervisor.Interpreters{
			artifact.KindNode:   cfg.Runtime.Node,
			artifact.KindPython: cfg.Runtime.Python,
		}),
		supervisor.WithListener(func(ev supervisor.ExitEvent) {
			slog.Info("hosted bot exited",
				logger.TenantID(ev.TenantID),
				logger.RunID(ev.RunID),
				logger.ExitCode(ev.Code),
				logger.String("state", string(ev.State)),
			)
		}),
	)

	a := agent.New(cfg.Agent.Workspace, cfg.Agent.MaxBundleBytes, processes)

	addr := fmt.Sprintf("%s:%s", cfg.Agent.Host, cfg.Agent.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      agent.NewRouter(a),
		ReadTimeout:  cfg.Agent.ReadTimeout,
		WriteTimeout: cfg.Agent.WriteTimeout,
	}

	go func() {
		slog.Info(fmt.Sprintf("listening on %s", addr), logger.Component("agent"), logger.Operation("listen"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	processes.StopAll()

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", logger.Error(err))
		}
	}

	slog.Info("worker stopped")
}
