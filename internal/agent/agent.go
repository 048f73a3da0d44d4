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

// Package agent is the worker side of artifact delivery: it receives bundles
// from the orchestrator, unpacks them and keeps the hosted bot running.
package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/botvisor/botvisor/internal/artifact"
	"github.com/botvisor/botvisor/internal/bundle"
	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/supervisor"
	transportHTTP "github.com/botvisor/botvisor/internal/transport/http"
	"github.com/botvisor/botvisor/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrDigestMismatch = errors.New("artifact digest mismatch")
	ErrMissingTenant  = errors.New("upload carries no tenant id")
)

// botDir is the workspace subdirectory holding the hosted bundle
const botDir = "bot"

// Supervisor runs the hosted bot
type Supervisor interface {
	Start(ctx context.Context, tenantID string, a *artifact.Artifact) (*supervisor.Run, error)
	Stop(tenantID string) error
	Status(tenantID string) supervisor.Status
	Logs(tenantID string) string
}

// Agent hosts at most one tenant's bot at a time
type Agent struct {
	workspace string
	maxBytes  int64
	processes Supervisor

	mu       sync.Mutex
	tenantID string
}

// New creates an agent storing bundles under workspace. maxBytes <= 0 disables the upload limit.
func New(workspace string, maxBytes int64, processes Supervisor) *Agent {
	return &Agent{
		workspace: workspace,
		maxBytes:  maxBytes,
		processes: processes,
	}
}

// Install replaces the hosted bundle with the archive at zipPath and (re)starts it.
func (a *Agent) Install(ctx context.Context, tenantID, zipPath string) (*supervisor.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tenantID != "" {
		if err := a.processes.Stop(a.tenantID); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			return nil, err
		}
	}

	dest := filepath.Join(a.workspace, botDir)
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("failed to clear workspace: %w", err)
	}
	if err := bundle.Unpack(zipPath, dest); err != nil {
		return nil, err
	}
	a.tenantID = tenantID

	return a.processes.Start(ctx, tenantID, &artifact.Artifact{
		TenantID:   tenantID,
		Path:       dest,
		Kind:       artifact.DetectKind(dest),
		UploadedAt: time.Now(),
	})
}

// Tenant returns the currently hosted tenant
func (a *Agent) Tenant() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tenantID
}

// NewRouter creates the worker ingestion router
func NewRouter(a *Agent) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "agent_request")
	})
	r.Use(transportHTTP.LoggingMiddleware())
	r.Use(middleware.Recoverer)

	r.Post(worker.UploadPath, a.handleUpload)
	r.Get(worker.StatusPath, a.handleStatus)
	r.Get("/logs", a.handleLogs)

	return r
}

func (a *Agent) handleUpload(w http.ResponseWriter, r *http.Request) {
	if a.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBytes)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		transportHTTP.RespondError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	tenantID := r.Header.Get(worker.HeaderTenantID)
	if tenantID == "" {
		tenantID = r.FormValue("tenant")
	}
	if tenantID == "" {
		transportHTTP.RespondError(w, http.StatusBadRequest, ErrMissingTenant.Error())
		return
	}

	zipPath, err := saveUpload(file, r.Header.Get(worker.HeaderDigest))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrDigestMismatch) {
			status = http.StatusBadRequest
		}
		slog.WarnContext(r.Context(), "rejected artifact upload",
			logger.TenantID(tenantID),
			logger.DeliveryID(r.Header.Get(worker.HeaderDeliveryID)),
			logger.Error(err),
		)
		transportHTTP.RespondError(w, status, err.Error())
		return
	}
	defer os.Remove(zipPath)

	// The bot outlives the request.
	run, err := a.Install(context.WithoutCancel(r.Context()), tenantID, zipPath)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to install artifact",
			logger.TenantID(tenantID),
			logger.DeliveryID(r.Header.Get(worker.HeaderDeliveryID)),
			logger.Error(err),
		)
		var launchErr *supervisor.LaunchError
		switch {
		case errors.Is(err, supervisor.ErrUnknownEntrypoint):
			transportHTTP.RespondError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, bundle.ErrUnsafePath):
			transportHTTP.RespondError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &launchErr):
			transportHTTP.RespondError(w, http.StatusInternalServerError, err.Error())
		default:
			transportHTTP.RespondError(w, http.StatusInternalServerError, "failed to install artifact")
		}
		return
	}

	slog.InfoContext(r.Context(), "artifact installed",
		logger.TenantID(tenantID),
		logger.DeliveryID(r.Header.Get(worker.HeaderDeliveryID)),
		logger.RunID(run.RunID),
	)
	transportHTTP.RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "started",
		"tenant_id": tenantID,
		"run_id":    run.RunID,
	})
}

// saveUpload copies the archive to a temp file, checking the digest when one was sent.
func saveUpload(src io.Reader, digest string) (string, error) {
	tmp, err := os.CreateTemp("", "agent-upload-*.zip")
	if err != nil {
		return "", err
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}

	_, err = io.Copy(io.MultiWriter(tmp, hasher), src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && digest != "" && hex.EncodeToString(hasher.Sum(nil)) != digest {
		err = ErrDigestMismatch
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "alive"}
	if tenantID := a.Tenant(); tenantID != "" {
		body["tenant_id"] = tenantID
		body["bot"] = string(a.processes.Status(tenantID))
	}
	transportHTTP.RespondJSON(w, http.StatusOK, body)
}

func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs := supervisor.NoLogs
	if tenantID := a.Tenant(); tenantID != "" {
		logs = a.processes.Logs(tenantID)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, logs)
}
