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
	"net/http"
)

// ListAssignments returns every worker and the tenant it hosts
// @Summary List worker assignments
// @Tags Operator
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Failure 403 {object} map[string]string
// @Router /operator/assignments [get]
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	slots, err := h.lifecycle.ListAssignments(r.Context(), principal(r.Context()))
	if err != nil {
		respondLifecycleError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"assignments": slots})
}

// OperatorLogs dumps the recent orchestrator log as plain text
// @Summary Dump operator logs
// @Tags Operator
// @Produce plain
// @Security BearerAuth
// @Success 200 {string} string
// @Failure 403 {object} map[string]string
// @Router /operator/logs [get]
func (h *Handler) OperatorLogs(w http.ResponseWriter, r *http.Request) {
	dump, err := h.lifecycle.OperatorLogs(r.Context(), principal(r.Context()))
	if err != nil {
		respondLifecycleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dump))
}
