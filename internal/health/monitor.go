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

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/observability/metrics"
	"github.com/botvisor/botvisor/internal/observability/tracing"
	"github.com/botvisor/botvisor/internal/worker"
	"golang.org/x/sync/errgroup"
)

// Pool is the part of the worker pool the monitor drives
type Pool interface {
	Workers() []worker.Worker
	Probe(ctx context.Context, workerID string) error
	Release(workerID string) (string, bool)
	WorkerOf(tenantID string) (string, bool)
}

// Reassigner places an orphaned tenant on a worker outside exclude
type Reassigner interface {
	Reassign(ctx context.Context, tenantID string, exclude []string) (string, error)
}

// Config holds monitor timing
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// MaxConcurrentProbes caps in-flight probes; <= 0 probes all workers at once
	MaxConcurrentProbes int
}

// Move records one tenant redistribution
type Move struct {
	TenantID string
	From     string
	To       string
	Err      error
}

// Report summarises one monitor cycle
type Report struct {
	Probed int
	Failed []string
	Moves  []Move
}

// Monitor periodically probes every worker and redistributes tenants off failed ones.
// Tenants whose redistribution failed stay pending and are retried every cycle.
type Monitor struct {
	pool       Pool
	reassigner Reassigner
	cfg        Config
	metrics    *metrics.Instruments

	mu      sync.Mutex
	pending map[string]string // tenant -> worker it was moved off
}

// NewMonitor creates a health monitor
func NewMonitor(pool Pool, reassigner Reassigner, cfg Config, in *metrics.Instruments) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		pool:       pool,
		reassigner: reassigner,
		cfg:        cfg,
		metrics:    in,
		pending:    make(map[string]string),
	}
}

// Pending returns the tenants awaiting redistribution
func (m *Monitor) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.pending))
}

// Run checks on every tick until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "health monitor started",
		logger.Component("health"),
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("probe_timeout", m.cfg.ProbeTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped", logger.Component("health"))
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe cycle. Every failing worker is released before any
// tenant is re-placed, and the failing workers are excluded from placement.
func (m *Monitor) Check(ctx context.Context) Report {
	ctx, span := tracing.Start(ctx, "health.check")
	defer span.End()

	workers := m.pool.Workers()
	results := make([]error, len(workers))

	var g errgroup.Group
	if m.cfg.MaxConcurrentProbes > 0 {
		g.SetLimit(m.cfg.MaxConcurrentProbes)
	}
	for i, w := range workers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			results[i] = m.pool.Probe(probeCtx, w.ID)
			return nil
		})
	}
	g.Wait()

	report := Report{Probed: len(workers)}
	var orphans []Move
	for i, err := range results {
		if err == nil {
			continue
		}
		workerID := workers[i].ID
		report.Failed = append(report.Failed, workerID)
		m.metrics.ProbeFailed(ctx, workerID)

		slog.WarnContext(ctx, "worker not responding",
			logger.Component("health"),
			logger.WorkerID(workerID),
			logger.Error(err),
		)

		if tenantID, ok := m.pool.Release(workerID); ok {
			orphans = append(orphans, Move{TenantID: tenantID, From: workerID})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	orphans = append(orphans, m.retries(orphans)...)
	for _, move := range orphans {
		if ctx.Err() != nil {
			m.pending[move.TenantID] = move.From
			continue
		}
		move.To, move.Err = m.reassigner.Reassign(ctx, move.TenantID, report.Failed)
		switch {
		case errors.Is(move.Err, artifact.ErrNotFound):
			// Removed since its worker was released.
			delete(m.pending, move.TenantID)
			continue
		case move.Err != nil:
			m.pending[move.TenantID] = move.From
			slog.ErrorContext(ctx, "failed to redistribute tenant",
				logger.Component("health"),
				logger.TenantID(move.TenantID),
				logger.String("from_worker", move.From),
				logger.Error(move.Err),
			)
		default:
			delete(m.pending, move.TenantID)
			m.metrics.Reassigned(ctx, move.From)
			slog.InfoContext(ctx, "tenant redistributed",
				logger.Component("health"),
				logger.TenantID(move.TenantID),
				logger.String("from_worker", move.From),
				logger.WorkerID(move.To),
			)
		}
		report.Moves = append(report.Moves, move)
	}

	if len(report.Failed) > 0 || len(m.pending) > 0 {
		tracing.Fail(span, nil, fmt.Sprintf("%d of %d workers failed, %d tenants pending", len(report.Failed), report.Probed, len(m.pending)))
	}
	return report
}

// retries lists pending tenants not already in orphans. Tenants placed since
// by another path are dropped. Callers hold m.mu.
func (m *Monitor) retries(orphans []Move) []Move {
	var moves []Move
	for _, tenantID := range slices.Sorted(maps.Keys(m.pending)) {
		if slices.ContainsFunc(orphans, func(o Move) bool { return o.TenantID == tenantID }) {
			continue
		}
		if _, ok := m.pool.WorkerOf(tenantID); ok {
			delete(m.pending, tenantID)
			continue
		}
		moves = append(moves, Move{TenantID: tenantID, From: m.pending[tenantID]})
	}
	return moves
}
