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

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/audit"
	"github.com/botvisor/botvisor/internal/bundle"
	"github.com/botvisor/botvisor/internal/config"
	"github.com/botvisor/botvisor/internal/health"
	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/observability/metrics"
	"github.com/botvisor/botvisor/internal/observability/tracing"
	"github.com/botvisor/botvisor/internal/orchestrator"
	"github.com/botvisor/botvisor/internal/supervisor"
	"github.com/botvisor/botvisor/internal/token"
	transportHTTP "github.com/botvisor/botvisor/internal/transport/http"
	"github.com/botvisor/botvisor/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	journal := logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		JournalSize: cfg.Observability.JournalSize,
	})

	tokens, err := token.NewService(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.TTL)
	if err != nil {
		fmt.Printf("Failed to initialize token service: %v\n", err)
		os.Exit(1)
	}

	// CLI commands
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runIssueToken(tokens, os.Args[2:]); err != nil {
			fmt.Printf("Token issue failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.Info("starting botvisor orchestrator", logger.String("workers", fmt.Sprint(len(cfg.Workers.List))))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize tracer
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

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		os.Exit(1)
	}
	instruments, err := metrics.NewInstruments(meter)
	if err != nil {
		slog.Error("failed to create instruments", logger.Error(err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Artifacts.Dir, 0o755); err != nil {
		slog.Error("failed to create artifacts directory", logger.ArtifactPath(cfg.Artifacts.Dir), logger.Error(err))
		os.Exit(1)
	}

	// Lifecycle components
	store := artifact.NewStore()
	processes := supervisor.New(supervisor.WithInterpreters(supervisor.Interpreters{
		artifact.KindNode:   cfg.Runtime.Node,
		artifact.KindPython: cfg.Runtime.Python,
	}))
	pool, err := worker.NewPool(
		cfg.Workers.List,
		worker.NewHTTPClient(cfg.Workers.DeliveryTimeout),
		worker.WithInstruments(instruments),
	)
	if err != nil {
		slog.Error("failed to initialize worker pool", logger.Error(err))
		os.Exit(1)
	}

	facade := orchestrator.New(store, processes, pool,
		orchestrator.WithAudit(audit.NewSlogLogger()),
		orchestrator.WithInstruments(instruments),
		orchestrator.WithJournal(journal),
	)

	// Worker health monitor
	monitor := health.NewMonitor(pool, facade, health.Config{
		Interval:            cfg.Health.Interval,
		ProbeTimeout:        cfg.Health.ProbeTimeout,
		MaxConcurrentProbes: cfg.Health.MaxConcurrentProbes,
	}, instruments)
	go monitor.Run(ctx)

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(
		facade,
		bundle.NewFetcher(cfg.Artifacts.FetchTimeout, cfg.Artifacts.MaxBundleBytes),
		tokens,
		cfg.Artifacts.Dir,
	)

	// Create router
	router := transportHTTP.NewRouter(handler, rateLimiter, cfg.Server.WriteTimeout)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Keep-alive listener for hosting platforms that ping a second port
	var liveness *http.Server
	if cfg.Liveness.Enabled {
		liveness = &http.Server{
			Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Liveness.Port),
			Handler:           transportHTTP.NewLivenessRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("starting liveness server", logger.Component("liveness"), logger.Operation("listen"))
			if err := liveness.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("liveness server error", logger.Error(err))
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	if liveness != nil {
		if err := liveness.Shutdown(shutdownCtx); err != nil {
			slog.Error("liveness shutdown error", logger.Error(err))
		}
	}

	if n := processes.StopAll(); n > 0 {
		slog.Info("stopped bot processes", logger.String("count", fmt.Sprint(n)))
	}

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", logger.Error(err))
		}
	}

	slog.Info("server stopped")
}

// runIssueToken prints a bearer token: token <tenant-id> [--operator]
func runIssueToken(tokens *token.Service, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: token <tenant-id> [--operator]")
	}

	tenantID := args[0]
	operator := false
	for _, arg := range args[1:] {
		switch arg {
		case "--operator", "-operator":
			operator = true
		default:
			return fmt.Errorf("unknown flag %q", arg)
		}
	}

	raw, err := tokens.Issue(tenantID, operator)
	if err != nil {
		return err
	}

	audit.NewSlogLogger().Log(context.Background(), audit.Event{
		Type:     audit.TypeTokenIssued,
		TenantID: tenantID,
		ActorID:  "cli",
		Metadata: map[string]any{"operator": operator},
	})

	fmt.Println(raw)
	return nil
}
