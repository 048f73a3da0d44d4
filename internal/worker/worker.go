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

// Package worker holds the fixed pool of remote execution workers, the
// one-to-one tenant assignment over it, and artifact delivery to workers.
package worker

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoCapacity    = errors.New("no worker available")
	ErrUnknownWorker = errors.New("unknown worker")
)

// Ingestion endpoint paths served by every worker
const (
	UploadPath = "/upload"
	StatusPath = "/status"
)

// Headers attached to an artifact upload
const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderDeliveryID = "X-Delivery-ID"
	HeaderDigest     = "X-Artifact-Digest"
)

// Worker is a statically configured remote endpoint
type Worker struct {
	ID  string `json:"id" yaml:"id"`
	URL string `json:"url" yaml:"url"`
}

// Slot is one row of the assignment listing. TenantID is empty when free.
type Slot struct {
	WorkerID string `json:"worker_id"`
	URL      string `json:"url"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Upload is one artifact transfer to a worker
type Upload struct {
	TenantID   string
	DeliveryID string
	Archive    *Archive
}

// Transport talks to worker ingestion endpoints
type Transport interface {
	Upload(ctx context.Context, w Worker, u Upload) error
	Probe(ctx context.Context, w Worker) error
}

// TransferError reports a packaging or network failure during delivery.
type TransferError struct {
	WorkerID string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer to worker %s failed: %v", e.WorkerID, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// StatusError is returned when a worker answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}
