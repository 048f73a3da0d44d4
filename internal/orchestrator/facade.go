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

// Package orchestrator exposes the tenant lifecycle operations. It composes the
// artifact store, the process supervisor and the worker pool and owns no state
// of its own.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/audit"
	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/observability/metrics"
	"github.com/botvisor/botvisor/internal/supervisor"
	"github.com/botvisor/botvisor/internal/worker"
)

var (
	ErrNoArtifact = errors.New("no bot uploaded for this tenant")
	ErrForbidden  = errors.New("operator privileges required")
)

// exitLogTail bounds how many log lines accompany a failed-exit log record
const exitLogTail = 20

// ArtifactStore is the tenant->directory mapping
type ArtifactStore interface {
	Put(tenantID, path string, kind artifact.EntrypointKind) *artifact.Artifact
	Get(tenantID string) (*artifact.Artifact, error)
	Remove(tenantID string) error
}

// ProcessSupervisor runs tenant processes
type ProcessSupervisor interface {
	Start(ctx context.Context, tenantID string, a *artifact.Artifact) (*supervisor.Run, error)
	Stop(tenantID string) error
	Status(tenantID string) supervisor.Status
	Describe(tenantID string) (*supervisor.Run, bool)
	LastExit(tenantID string) (supervisor.ExitEvent, bool)
	Logs(tenantID string) string
	Forget(tenantID string)
	SetListener(l supervisor.Listener)
}

// WorkerPool owns the tenant->worker assignment
type WorkerPool interface {
	Place(ctx context.Context, tenantID, artifactPath string, exclude ...string) (string, error)
	ReleaseTenant(tenantID string) (string, bool)
	WorkerOf(tenantID string) (string, bool)
	Snapshot() []worker.Slot
}

// Principal is the caller of a facade operation
type Principal struct {
	TenantID string
	Operator bool
}

// ExitSummary describes how the tenant's last run ended
type ExitSummary struct {
	RunID   string           `json:"run_id"`
	State   supervisor.State `json:"state"`
	Code    int              `json:"code"`
	EndedAt time.Time        `json:"ended_at"`
}

// StatusReport answers a status request
type StatusReport struct {
	TenantID string            `json:"tenant_id"`
	Status   supervisor.Status `json:"status"`
	Run      *supervisor.Run   `json:"run,omitempty"`
	LastExit *ExitSummary      `json:"last_exit,omitempty"`
	WorkerID string            `json:"worker_id,omitempty"`
}

// Facade coordinates the lifecycle components
type Facade struct {
	artifacts ArtifactStore
	processes ProcessSupervisor
	workers   WorkerPool
	audit     audit.Logger
	metrics   *metrics.Instruments
	journal   *logger.Journal
}

// Option configures a Facade
type Option func(*Facade)

// WithAudit sets the audit logger (default: discard)
func WithAudit(l audit.Logger) Option {
	return func(f *Facade) {
		f.audit = l
	}
}

// WithInstruments records lifecycle metrics
func WithInstruments(in *metrics.Instruments) Option {
	return func(f *Facade) {
		f.metrics = in
	}
}

// WithJournal backs OperatorLogs
func WithJournal(j *logger.Journal) Option {
	return func(f *Facade) {
		f.journal = j
	}
}

// New creates the facade and subscribes it to process exit events
func New(artifacts ArtifactStore, processes ProcessSupervisor, workers WorkerPool, opts ...Option) *Facade {
	f := &Facade{
		artifacts: artifacts,
		processes: processes,
		workers:   workers,
		audit:     audit.Nop{},
	}
	for _, opt := range opts {
		opt(f)
	}
	processes.SetListener(f.handleExit)
	return f
}

// OnArtifactReady registers the unpacked bundle and places it on a worker.
// Placement is best effort: no capacity or a failed delivery is logged only.
func (f *Facade) OnArtifactReady(ctx context.Context, tenantID, path string) (*artifact.Artifact, error) {
	a := f.artifacts.Put(tenantID, path, artifact.DetectKind(path))

	slog.InfoContext(ctx, "artifact ready",
		logger.TenantID(tenantID),
		logger.ArtifactPath(path),
		logger.String("kind", string(a.Kind)),
	)
	f.audit.Log(ctx, audit.Event{
		Type:     audit.TypeArtifactReady,
		TenantID: tenantID,
		ActorID:  tenantID,
		Resource: path,
		Metadata: map[string]any{"kind": string(a.Kind)},
	})

	workerID, err := f.workers.Place(ctx, tenantID, path)
	switch {
	case errors.Is(err, worker.ErrNoCapacity):
		slog.WarnContext(ctx, "no free worker for tenant",
			logger.TenantID(tenantID),
			logger.Error(err),
		)
	case err != nil:
		slog.ErrorContext(ctx, "failed to deliver artifact to worker",
			logger.TenantID(tenantID),
			logger.WorkerID(workerID),
			logger.Error(err),
		)
	default:
		f.audit.Log(ctx, audit.Event{
			Type:     audit.TypeTenantAssigned,
			TenantID: tenantID,
			Resource: workerID,
		})
	}

	return a, nil
}

// RequestStart launches the tenant's artifact
func (f *Facade) RequestStart(ctx context.Context, tenantID string) (*supervisor.Run, error) {
	a, err := f.artifacts.Get(tenantID)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, err
	}

	run, err := f.processes.Start(ctx, tenantID, a)
	if err != nil {
		var launchErr *supervisor.LaunchError
		if errors.As(err, &launchErr) {
			slog.ErrorContext(ctx, "failed to launch bot",
				logger.TenantID(tenantID),
				logger.ArtifactPath(a.Path),
				logger.Error(err),
			)
		}
		return nil, err
	}

	f.metrics.ProcessStarted(ctx)
	f.audit.Log(ctx, audit.Event{
		Type:     audit.TypeBotStarted,
		TenantID: tenantID,
		ActorID:  tenantID,
		Resource: run.RunID,
		Metadata: map[string]any{"kind": string(run.Kind), "pid": run.PID},
	})
	return run, nil
}

// RequestStop signals the tenant's process without waiting for it to exit
func (f *Facade) RequestStop(ctx context.Context, tenantID string) error {
	if err := f.processes.Stop(tenantID); err != nil {
		return err
	}
	f.audit.Log(ctx, audit.Event{
		Type:     audit.TypeBotStopped,
		TenantID: tenantID,
		ActorID:  tenantID,
	})
	return nil
}

// RequestStatus reports whether the tenant's process is running
func (f *Facade) RequestStatus(tenantID string) StatusReport {
	report := StatusReport{
		TenantID: tenantID,
		Status:   f.processes.Status(tenantID),
	}
	if run, ok := f.processes.Describe(tenantID); ok {
		report.Run = run
	}
	if ev, ok := f.processes.LastExit(tenantID); ok {
		report.LastExit = &ExitSummary{
			RunID:   ev.RunID,
			State:   ev.State,
			Code:    ev.Code,
			EndedAt: ev.EndedAt,
		}
	}
	if workerID, ok := f.workers.WorkerOf(tenantID); ok {
		report.WorkerID = workerID
	}
	return report
}

// RequestLogs returns the output of the tenant's most recent run
func (f *Facade) RequestLogs(tenantID string) string {
	return f.processes.Logs(tenantID)
}

// RequestLocation returns the tenant's artifact record
func (f *Facade) RequestLocation(tenantID string) (*artifact.Artifact, error) {
	return f.artifacts.Get(tenantID)
}

// RequestRemoval stops the tenant's process, deletes its artifact and frees
// its worker. A second call returns artifact.ErrNotFound.
func (f *Facade) RequestRemoval(ctx context.Context, tenantID string) error {
	if err := f.processes.Stop(tenantID); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return err
	}

	if err := f.artifacts.Remove(tenantID); err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to remove artifact",
				logger.TenantID(tenantID),
				logger.Error(err),
			)
		}
		return err
	}

	// A start that read the artifact before removal may have launched since the first stop.
	_ = f.processes.Stop(tenantID)

	workerID, released := f.workers.ReleaseTenant(tenantID)
	f.processes.Forget(tenantID)

	meta := map[string]any{}
	if released {
		meta["worker_id"] = workerID
	}
	f.audit.Log(ctx, audit.Event{
		Type:     audit.TypeArtifactRemoved,
		TenantID: tenantID,
		ActorID:  tenantID,
		Metadata: meta,
	})
	slog.InfoContext(ctx, "tenant removed", logger.TenantID(tenantID))
	return nil
}

// ListAssignments returns every worker with its tenant. Operators only.
func (f *Facade) ListAssignments(ctx context.Context, p Principal) ([]worker.Slot, error) {
	if err := f.authorizeOperator(ctx, p, "list_assignments"); err != nil {
		return nil, err
	}
	return f.workers.Snapshot(), nil
}

// OperatorLogs returns the retained orchestrator log. Operators only.
func (f *Facade) OperatorLogs(ctx context.Context, p Principal) (string, error) {
	if err := f.authorizeOperator(ctx, p, "dump_operator_logs"); err != nil {
		return "", err
	}
	if f.journal == nil {
		return "", nil
	}
	return f.journal.Dump(), nil
}

func (f *Facade) authorizeOperator(ctx context.Context, p Principal, op string) error {
	if !p.Operator {
		f.audit.Log(ctx, audit.Event{
			Type:     audit.TypeOperatorDenied,
			TenantID: p.TenantID,
			ActorID:  p.TenantID,
			Resource: op,
		})
		return ErrForbidden
	}
	f.audit.Log(ctx, audit.Event{
		Type:     audit.TypeOperatorAccess,
		TenantID: p.TenantID,
		ActorID:  p.TenantID,
		Resource: op,
	})
	return nil
}

// Reassign re-places a tenant whose worker failed. Tenants removed since
// their worker was released are skipped with artifact.ErrNotFound. A failed
// delivery releases the new worker again, leaving the tenant unassigned for
// the next health cycle; the worker that was tried is still returned.
func (f *Facade) Reassign(ctx context.Context, tenantID string, exclude []string) (string, error) {
	a, err := f.artifacts.Get(tenantID)
	if err != nil {
		return "", err
	}

	workerID, err := f.workers.Place(ctx, tenantID, a.Path, exclude...)
	var transferErr *worker.TransferError
	if errors.As(err, &transferErr) {
		f.workers.ReleaseTenant(tenantID)
		slog.WarnContext(ctx, "redelivery failed, tenant left unassigned",
			logger.TenantID(tenantID),
			logger.WorkerID(workerID),
			logger.Error(err),
		)
	}
	if workerID != "" {
		f.audit.Log(ctx, audit.Event{
			Type:     audit.TypeTenantReassigned,
			TenantID: tenantID,
			Resource: workerID,
			Metadata: map[string]any{"delivered": err == nil},
		})
	}
	return workerID, err
}

func (f *Facade) handleExit(ev supervisor.ExitEvent) {
	ctx := context.Background()
	f.metrics.ProcessEnded(ctx, string(ev.State))

	attrs := []any{
		logger.TenantID(ev.TenantID),
		logger.RunID(ev.RunID),
		logger.ExitCode(ev.Code),
	}
	if ev.State == supervisor.StateFailed {
		attrs = append(attrs, logger.Error(ev.Err), logger.String("logs", tail(ev.Logs, exitLogTail)))
		slog.Warn("bot process failed", attrs...)
	} else {
		slog.Info("bot process exited", attrs...)
	}

	f.audit.Log(ctx, audit.Event{
		Type:     audit.TypeBotExited,
		TenantID: ev.TenantID,
		Resource: ev.RunID,
		Metadata: map[string]any{
			"exit_code": ev.Code,
			"state":     string(ev.State),
			"uptime_ms": ev.EndedAt.Sub(ev.StartedAt).Milliseconds(),
		},
	})
}

func tail(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
