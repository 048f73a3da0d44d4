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
	"errors"
	"fmt"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
)

var (
	ErrAlreadyRunning    = errors.New("bot is already running")
	ErrNotRunning        = errors.New("bot is not running")
	ErrUnknownEntrypoint = errors.New("unknown entrypoint: expected index.js or main.py")
)

// NoLogs is returned by Logs when a tenant has never produced output.
const NoLogs = "No logs available."

// State of a supervised run
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateFailed   State = "failed"
)

// Status is the coarse answer to a status query
type Status string

const (
	StatusRunning    Status = "running"
	StatusNotRunning Status = "not_running"
)

// LaunchError reports that the child process could not be started.
type LaunchError struct {
	Kind artifact.EntrypointKind
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s bot: %v", e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError reports a non-zero exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Run is a point-in-time view of a live process handle
type Run struct {
	TenantID  string                  `json:"tenant_id"`
	RunID     string                  `json:"run_id"`
	Kind      artifact.EntrypointKind `json:"kind"`
	State     State                   `json:"state"`
	PID       int                     `json:"pid,omitempty"`
	StartedAt time.Time               `json:"started_at"`
}

// ExitEvent is published once per run when the child terminates.
type ExitEvent struct {
	TenantID  string
	RunID     string
	State     State
	Code      int
	Err       error
	Logs      string
	StartedAt time.Time
	EndedAt   time.Time
}

// Listener receives exit events. It is called from the run's wait goroutine.
type Listener func(ExitEvent)

// Interpreters maps an entrypoint kind to the runtime binary that executes it
type Interpreters map[artifact.EntrypointKind]string

// DefaultInterpreters returns the node/python runtimes resolved from PATH
func DefaultInterpreters() Interpreters {
	return Interpreters{
		artifact.KindNode:   "node",
		artifact.KindPython: "python",
	}
}

// exitMarker is appended to a run's log when its process terminates.
func exitMarker(code int) string {
	return fmt.Sprintf("Bot process exited with code %d\n", code)
}
