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

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/botvisor/botvisor/internal/observability/logger"
	"github.com/botvisor/botvisor/internal/observability/metrics"
	"github.com/botvisor/botvisor/internal/observability/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Pool holds the fixed worker list and the worker->tenant assignment.
// Assignment is first-fit in worker-list order.
type Pool struct {
	workers   []Worker
	index     map[string]int
	transport Transport
	metrics   *metrics.Instruments

	mu       sync.Mutex
	assigned map[string]string // worker ID -> tenant ID

	// serialises deliveries per worker
	deliverMu map[string]*sync.Mutex
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithInstruments records delivery metrics
func WithInstruments(in *metrics.Instruments) PoolOption {
	return func(p *Pool) {
		p.metrics = in
	}
}

// NewPool creates a pool over workers. IDs must be unique and non-empty.
func NewPool(workers []Worker, transport Transport, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		workers:   make([]Worker, 0, len(workers)),
		index:     make(map[string]int, len(workers)),
		transport: transport,
		assigned:  make(map[string]string),
		deliverMu: make(map[string]*sync.Mutex, len(workers)),
	}
	for _, w := range workers {
		if w.ID == "" || w.URL == "" {
			return nil, fmt.Errorf("worker requires id and url: %+v", w)
		}
		if _, dup := p.index[w.ID]; dup {
			return nil, fmt.Errorf("duplicate worker id %q", w.ID)
		}
		p.index[w.ID] = len(p.workers)
		p.workers = append(p.workers, w)
		p.deliverMu[w.ID] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Workers returns the configured worker list in order
func (p *Pool) Workers() []Worker {
	return slices.Clone(p.workers)
}

// Assign pairs the tenant with the first free worker not in exclude.
// A tenant that already holds a worker keeps it.
func (p *Pool) Assign(tenantID string, exclude ...string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for workerID, owner := range p.assigned {
		if owner == tenantID {
			return workerID, nil
		}
	}

	for _, w := range p.workers {
		if slices.Contains(exclude, w.ID) {
			continue
		}
		if _, taken := p.assigned[w.ID]; taken {
			continue
		}
		p.assigned[w.ID] = tenantID
		return w.ID, nil
	}
	return "", ErrNoCapacity
}

// Release frees the worker and returns the tenant it held, if any
func (p *Pool) Release(workerID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tenantID, ok := p.assigned[workerID]
	delete(p.assigned, workerID)
	return tenantID, ok
}

// ReleaseTenant frees whichever worker the tenant holds
func (p *Pool) ReleaseTenant(tenantID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for workerID, owner := range p.assigned {
		if owner == tenantID {
			delete(p.assigned, workerID)
			return workerID, true
		}
	}
	return "", false
}

// TenantOf returns the tenant assigned to the worker
func (p *Pool) TenantOf(workerID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tenantID, ok := p.assigned[workerID]
	return tenantID, ok
}

// WorkerOf returns the worker assigned to the tenant
func (p *Pool) WorkerOf(tenantID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for workerID, owner := range p.assigned {
		if owner == tenantID {
			return workerID, true
		}
	}
	return "", false
}

// Snapshot lists every worker in configured order with its tenant
func (p *Pool) Snapshot() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots := make([]Slot, 0, len(p.workers))
	for _, w := range p.workers {
		slots = append(slots, Slot{
			WorkerID: w.ID,
			URL:      w.URL,
			TenantID: p.assigned[w.ID],
		})
	}
	return slots
}

// Deliver packages artifactPath and uploads it to the worker.
// A failure leaves the assignment in place.
func (p *Pool) Deliver(ctx context.Context, workerID, tenantID, artifactPath string) error {
	i, ok := p.index[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	w := p.workers[i]

	ctx, span := tracing.Start(ctx, "worker.deliver",
		tracing.WorkerKey.String(workerID),
		tracing.TenantKey.String(tenantID),
	)
	defer span.End()

	mu := p.deliverMu[workerID]
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	err := p.deliver(ctx, w, tenantID, artifactPath)
	p.metrics.Delivered(ctx, workerID, float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		tracing.Fail(span, err, "delivery failed")
		return &TransferError{WorkerID: workerID, Err: err}
	}
	return nil
}

func (p *Pool) deliver(ctx context.Context, w Worker, tenantID, artifactPath string) error {
	archive, err := Package(artifactPath)
	if err != nil {
		return err
	}
	defer archive.Remove()

	deliveryID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(tracing.DeliveryKey.String(deliveryID.String()))

	if err := p.transport.Upload(ctx, w, Upload{
		TenantID:   tenantID,
		DeliveryID: deliveryID.String(),
		Archive:    archive,
	}); err != nil {
		return err
	}

	slog.InfoContext(ctx, "artifact delivered",
		logger.WorkerID(w.ID),
		logger.TenantID(tenantID),
		logger.DeliveryID(deliveryID.String()),
		slog.Int64("bytes", archive.Size),
	)
	return nil
}

// Place assigns the tenant to a worker and delivers its artifact.
// The worker ID is returned even when delivery fails.
func (p *Pool) Place(ctx context.Context, tenantID, artifactPath string, exclude ...string) (string, error) {
	workerID, err := p.Assign(tenantID, exclude...)
	if err != nil {
		return "", err
	}
	return workerID, p.Deliver(ctx, workerID, tenantID, artifactPath)
}

// Probe runs the liveness check against one worker
func (p *Pool) Probe(ctx context.Context, workerID string) error {
	i, ok := p.index[workerID]
	if !ok {
		return ErrUnknownWorker
	}

	ctx, span := tracing.Start(ctx, "worker.probe", tracing.WorkerKey.String(workerID))
	defer span.End()

	if err := p.transport.Probe(ctx, p.workers[i]); err != nil {
		tracing.Fail(span, err, "probe failed")
		return err
	}
	return nil
}
