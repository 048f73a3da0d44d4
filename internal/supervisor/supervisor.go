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

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/observability/tracing"
	"github.com/google/uuid"
)

// waitDelay bounds how long Wait keeps copying output after the bot exits,
// e.g. when a grandchild still holds the log pipe open.
const waitDelay = 5 * time.Second

// Supervisor runs at most one child process per tenant and captures its output
type Supervisor struct {
	mu       sync.Mutex
	live     map[string]*handle
	logs     map[string]*LogBuffer
	lastExit map[string]ExitEvent

	interpreters Interpreters
	listener     Listener
	stopSignal   os.Signal
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithInterpreters overrides the runtime used per entrypoint kind
func WithInterpreters(i Interpreters) Option {
	return func(s *Supervisor) {
		for kind, bin := range i {
			s.interpreters[kind] = bin
		}
	}
}

// WithListener registers the exit event listener
func WithListener(l Listener) Option {
	return func(s *Supervisor) {
		s.listener = l
	}
}

// WithStopSignal sets the signal sent by Stop (default SIGTERM)
func WithStopSignal(sig os.Signal) Option {
	return func(s *Supervisor) {
		s.stopSignal = sig
	}
}

type handle struct {
	tenantID  string
	runID     string
	kind      artifact.EntrypointKind
	startedAt time.Time
	logs      *LogBuffer

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	stopRequested bool
}

func (h *handle) snapshot() *Run {
	h.mu.Lock()
	defer h.mu.Unlock()

	run := &Run{
		TenantID:  h.tenantID,
		RunID:     h.runID,
		Kind:      h.kind,
		State:     h.state,
		StartedAt: h.startedAt,
	}
	if h.cmd != nil && h.cmd.Process != nil {
		run.PID = h.cmd.Process.Pid
	}
	return run
}

// New creates a new process supervisor
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		live:         make(map[string]*handle),
		logs:         make(map[string]*LogBuffer),
		lastExit:     make(map[string]ExitEvent),
		interpreters: DefaultInterpreters(),
		stopSignal:   syscall.SIGTERM,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tenant's artifact. The child outlives ctx; ctx only scopes tracing.
func (s *Supervisor) Start(ctx context.Context, tenantID string, a *artifact.Artifact) (*Run, error) {
	ctx, span := tracing.Start(ctx, "supervisor.start", tracing.TenantKey.String(tenantID))
	defer span.End()

	kind := artifact.DetectKind(a.Path)
	if kind == artifact.KindUnknown {
		tracing.Fail(span, nil, ErrUnknownEntrypoint.Error())
		return nil, ErrUnknownEntrypoint
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	h := &handle{
		tenantID:  tenantID,
		runID:     runID.String(),
		kind:      kind,
		startedAt: time.Now(),
		logs:      &LogBuffer{},
		state:     StateStarting,
	}

	// Reserve the tenant slot before launching so concurrent starts are single-flight.
	s.mu.Lock()
	if _, exists := s.live[tenantID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.live[tenantID] = h
	s.logs[tenantID] = h.logs
	s.mu.Unlock()

	cmd := exec.Command(s.interpreters[kind], kind.EntryFile())
	cmd.Dir = a.Path
	// Same writer for both streams: exec shares one pipe, preserving arrival order.
	cmd.Stdout = h.logs
	cmd.Stderr = h.logs
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		if s.live[tenantID] == h {
			delete(s.live, tenantID)
		}
		s.mu.Unlock()

		h.logs.WriteString(fmt.Sprintf("Failed to start bot: %v\n", err))
		tracing.Fail(span, err, "launch failed")
		return nil, &LaunchError{Kind: kind, Err: err}
	}

	span.SetAttributes(tracing.RunKey.String(h.runID))

	h.mu.Lock()
	h.cmd = cmd
	h.state = StateRunning
	stopRequested := h.stopRequested
	h.mu.Unlock()

	if stopRequested {
		s.signal(h)
	}

	slog.InfoContext(ctx, "bot process started",
		logger.TenantID(tenantID),
		logger.RunID(h.runID),
		logger.String("kind", string(kind)),
		logger.PID(cmd.Process.Pid),
	)

	go s.wait(h)

	return h.snapshot(), nil
}

// SetListener replaces the exit event listener
func (s *Supervisor) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Supervisor) wait(h *handle) {
	waitErr := h.cmd.Wait()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.logs.WriteString(exitMarker(code))

	event := ExitEvent{
		TenantID:  h.tenantID,
		RunID:     h.runID,
		Code:      code,
		StartedAt: h.startedAt,
		EndedAt:   time.Now(),
	}
	if code == 0 {
		event.State = StateExited
	} else {
		event.State = StateFailed
		event.Err = &ExitError{Code: code}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			event.Err = fmt.Errorf("%w: %v", event.Err, waitErr)
		}
	}
	event.Logs = h.logs.String()

	h.mu.Lock()
	h.state = event.State
	h.mu.Unlock()

	s.mu.Lock()
	if s.live[h.tenantID] == h {
		delete(s.live, h.tenantID)
	}
	if s.logs[h.tenantID] == h.logs {
		s.lastExit[h.tenantID] = event
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(event)
	}
}

// Stop signals the tenant's process and drops its handle without waiting for exit.
func (s *Supervisor) Stop(tenantID string) error {
	s.mu.Lock()
	h, ok := s.live[tenantID]
	if !ok {
		s.mu.Unlock()
		return ErrNotRunning
	}
	delete(s.live, tenantID)
	s.mu.Unlock()

	s.signal(h)

	slog.Info("bot process stop requested", logger.TenantID(tenantID), logger.RunID(h.runID))
	return nil
}

func (s *Supervisor) signal(h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd == nil || h.cmd.Process == nil {
		h.stopRequested = true
		return
	}
	if err := h.cmd.Process.Signal(s.stopSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("failed to signal bot process",
			logger.TenantID(h.tenantID),
			logger.RunID(h.runID),
			logger.Error(err),
		)
	}
}

// StopAll signals every live process; used on shutdown
func (s *Supervisor) StopAll() int {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.live))
	for tenantID, h := range s.live {
		handles = append(handles, h)
		delete(s.live, tenantID)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.signal(h)
	}
	return len(handles)
}

// Status reports whether a live handle exists for the tenant
func (s *Supervisor) Status(tenantID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[tenantID]; ok {
		return StatusRunning
	}
	return StatusNotRunning
}

// Describe returns the live run for the tenant, if any
func (s *Supervisor) Describe(tenantID string) (*Run, bool) {
	s.mu.Lock()
	h, ok := s.live[tenantID]
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	return h.snapshot(), true
}

// LastExit returns the terminal event of the tenant's most recent run
func (s *Supervisor) LastExit(tenantID string) (ExitEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.lastExit[tenantID]
	return event, ok
}

// Logs returns the output of the tenant's most recent run, or NoLogs.
func (s *Supervisor) Logs(tenantID string) string {
	s.mu.Lock()
	buf, ok := s.logs[tenantID]
	s.mu.Unlock()

	if !ok || buf.Len() == 0 {
		return NoLogs
	}
	return buf.String()
}

// Forget drops retained logs and exit records for a removed tenant.
func (s *Supervisor) Forget(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logs, tenantID)
	delete(s.lastExit, tenantID)
}

// Running returns the number of live handles
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
