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

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/supervisor"
	"github.com/google/uuid"
)

// UploadRequest points at the zip bundle to install
type UploadRequest struct {
	URL string `json:"url" example:"https://files.example.com/bot.zip"`
}

// UploadBot downloads and installs the caller's bundle
// @Summary Upload bot
// @Description Fetches a zip bundle, unpacks it as the caller's bot and places it on a worker
// @Tags Bot
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body UploadRequest true "Bundle location"
// @Success 201 {object} artifact.Artifact
// @Failure 400 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /bot/upload [post]
func (h *Handler) UploadBot(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		RespondError(w, http.StatusBadRequest, "url must be an http(s) link to a zip file")
		return
	}

	dest, err := h.artifactDir(tenantID)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Unpack beside the live bundle; it is replaced only once the new one is complete.
	staging := filepath.Join(h.artifactsDir, ".upload-"+uuid.NewString())
	defer os.RemoveAll(staging)

	if _, err := h.fetcher.FetchAndUnpack(r.Context(), u.String(), staging); err != nil {
		slog.WarnContext(r.Context(), "bundle upload failed",
			logger.TenantID(tenantID),
			logger.Error(err),
		)
		status, message := errorStatus(err)
		if status == http.StatusInternalServerError {
			status, message = http.StatusBadGateway, "failed to download or unpack bundle"
		}
		RespondError(w, status, message)
		return
	}

	if err := swapBundle(staging, dest); err != nil {
		slog.ErrorContext(r.Context(), "failed to install bundle",
			logger.TenantID(tenantID),
			logger.ArtifactPath(dest),
			logger.Error(err),
		)
		RespondError(w, http.StatusInternalServerError, "failed to prepare bot directory")
		return
	}
	a, err := h.lifecycle.OnArtifactReady(r.Context(), tenantID, dest)
	if err != nil {
		respondLifecycleError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, a)
}

// swapBundle replaces dest with the fully unpacked staging directory
func swapBundle(staging, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(staging, dest)
}

func (h *Handler) artifactDir(tenantID string) (string, error) {
	// Dot-prefixed names are reserved for upload staging.
	if tenantID == "" || strings.HasPrefix(tenantID, ".") ||
		strings.ContainsAny(tenantID, `/\`) {
		return "", errors.New("tenant id cannot be used as a directory name")
	}
	return filepath.Join(h.artifactsDir, tenantID), nil
}

// Console returns the output of the caller's latest run
// @Summary Console
// @Description Returns captured stdout/stderr of the latest run
// @Tags Bot
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string
// @Router /bot/console [get]
func (h *Handler) Console(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	RespondJSON(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"logs":      h.lifecycle.RequestLogs(tenantID),
	})
}

// StartBot launches the caller's bot
// @Summary Start bot
// @Tags Bot
// @Produce json
// @Security BearerAuth
// @Success 200 {object} supervisor.Run
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 422 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /bot/start [post]
func (h *Handler) StartBot(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	run, err := h.lifecycle.RequestStart(r.Context(), tenantID)
	if err != nil {
		var launchErr *supervisor.LaunchError
		if errors.As(err, &launchErr) {
			status, message := errorStatus(err)
			RespondJSON(w, status, map[string]string{
				"error": message,
				"logs":  h.lifecycle.RequestLogs(tenantID),
			})
			return
		}
		respondLifecycleError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, run)
}

// StopBot signals the caller's bot to terminate
// @Summary Stop bot
// @Tags Bot
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /bot/stop [post]
func (h *Handler) StopBot(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	if err := h.lifecycle.RequestStop(r.Context(), tenantID); err != nil {
		respondLifecycleError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// BotStatus reports whether the caller's bot is running
// @Summary Bot status
// @Tags Bot
// @Produce json
// @Security BearerAuth
// @Success 200 {object} orchestrator.StatusReport
// @Router /bot/status [get]
func (h *Handler) BotStatus(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.lifecycle.RequestStatus(GetTenantID(r.Context())))
}

// BotLocation returns where the caller's bundle is stored
// @Summary Bot location
// @Tags Bot
// @Produce json
// @Security BearerAuth
// @Success 200 {object} artifact.Artifact
// @Failure 404 {object} map[string]string
// @Router /bot/location [get]
func (h *Handler) BotLocation(w http.ResponseWriter, r *http.Request) {
	a, err := h.lifecycle.RequestLocation(GetTenantID(r.Context()))
	if err != nil {
		respondLifecycleError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, a)
}

// RemoveBot stops and deletes the caller's bot
// @Summary Remove bot
// @Tags Bot
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /bot [delete]
func (h *Handler) RemoveBot(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	if err := h.lifecycle.RequestRemoval(r.Context(), tenantID); err != nil {
		respondLifecycleError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
