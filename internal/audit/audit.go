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

package audit

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// Event types
const (
	TypeArtifactReady    = "artifact_ready"
	TypeArtifactRemoved  = "artifact_removed"
	TypeBotStarted       = "bot_started"
	TypeBotStopped       = "bot_stopped"
	TypeBotExited        = "bot_exited"
	TypeTenantAssigned   = "tenant_assigned"
	TypeTenantReassigned = "tenant_reassigned"
	TypeTokenIssued      = "token_issued"
	TypeOperatorAccess   = "operator_access"
	TypeOperatorDenied   = "operator_denied"
)

// Event represents an auditable lifecycle action
type Event struct {
	Type      string
	TenantID  string
	ActorID   string
	Resource  string
	Metadata  map[string]any
	Timestamp time.Time
	IPAddress string
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event)
}

// SlogLogger implements Logger using slog
type SlogLogger struct{}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("audit_type", event.Type),
		slog.String("tenant_id", event.TenantID),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", event.ActorID))
	}
	if event.Resource != "" {
		attrs = append(attrs, slog.String("resource", event.Resource))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}

	if len(event.Metadata) > 0 {
		group := []any{}
		for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
			v := event.Metadata[k]
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	attrs = append(attrs, slog.String("component", "audit"))
	slog.Log(ctx, level(event), "AUDIT_EVENT", attrs...)
}

// level raises denials and failed outcomes to WARN
func level(event Event) slog.Level {
	switch event.Type {
	case TypeOperatorDenied:
		return slog.LevelWarn
	case TypeBotExited:
		if event.Metadata["state"] == "failed" {
			return slog.LevelWarn
		}
	case TypeTenantReassigned:
		if delivered, ok := event.Metadata["delivered"].(bool); ok && !delivered {
			return slog.LevelWarn
		}
	}
	return slog.LevelInfo
}

// Nop discards every event
type Nop struct{}

// Log implements Logger
func (Nop) Log(context.Context, Event) {}

// isSecret checks if a metadata key likely holds a credential
func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "key", "authorization", "credential"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
