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
	"context"

	"github.com/botvisor/botvisor/internal/orchestrator"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	operatorKey contextKey = "operator"
)

// GetTenantID retrieves the authenticated Tenant ID from context.
func GetTenantID(ctx context.Context) string {
	if val, ok := ctx.Value(tenantIDKey).(string); ok {
		return val
	}
	return ""
}

// IsOperator reports whether the caller holds the operator claim.
func IsOperator(ctx context.Context) bool {
	val, _ := ctx.Value(operatorKey).(bool)
	return val
}

// principal builds the facade caller from context.
func principal(ctx context.Context) orchestrator.Principal {
	return orchestrator.Principal{
		TenantID: GetTenantID(ctx),
		Operator: IsOperator(ctx),
	}
}

func withPrincipal(ctx context.Context, tenantID string, operator bool) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	return context.WithValue(ctx, operatorKey, operator)
}
