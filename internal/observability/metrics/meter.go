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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// New creates a new meter instance
func New(ctx context.Context, cfg Config, serviceName string) (*Meter, error) {
	if !cfg.Enabled {
		return &Meter{
			meter: noop.NewMeterProvider().Meter(serviceName),
		}, nil
	}

	// Exporters are attached to the global provider by the host process
	return &Meter{
		meter: otel.Meter(serviceName),
	}, nil
}

// GetMeter returns the underlying meter
func (m *Meter) GetMeter() metric.Meter {
	return m.meter
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// CreateHistogram creates a new histogram metric
func (m *Meter) CreateHistogram(name, description, unit string) (metric.Float64Histogram, error) {
	histogram, err := m.meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	return histogram, nil
}

// CreateUpDownCounter creates a new up/down counter metric
func (m *Meter) CreateUpDownCounter(name, description string) (metric.Int64UpDownCounter, error) {
	counter, err := m.meter.Int64UpDownCounter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create up/down counter %s: %w", name, err)
	}
	return counter, nil
}

// Instruments are the orchestrator's counters. A nil *Instruments records nothing.
type Instruments struct {
	processStarts metric.Int64Counter
	processExits  metric.Int64Counter
	runningBots   metric.Int64UpDownCounter
	deliveries    metric.Int64Counter
	deliveryTime  metric.Float64Histogram
	probeFailures metric.Int64Counter
	reassignments metric.Int64Counter
}

// NewInstruments registers the orchestrator instruments on m
func NewInstruments(m *Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	if in.processStarts, err = m.CreateCounter("botvisor.process.starts", "Bot processes launched"); err != nil {
		return nil, err
	}
	if in.processExits, err = m.CreateCounter("botvisor.process.exits", "Bot processes terminated, by outcome"); err != nil {
		return nil, err
	}
	if in.runningBots, err = m.CreateUpDownCounter("botvisor.process.running", "Bot processes currently running"); err != nil {
		return nil, err
	}
	if in.deliveries, err = m.CreateCounter("botvisor.worker.deliveries", "Artifact deliveries to workers, by outcome"); err != nil {
		return nil, err
	}
	if in.deliveryTime, err = m.CreateHistogram("botvisor.worker.delivery.duration", "Artifact delivery duration", "ms"); err != nil {
		return nil, err
	}
	if in.probeFailures, err = m.CreateCounter("botvisor.worker.probe_failures", "Failed worker liveness probes"); err != nil {
		return nil, err
	}
	if in.reassignments, err = m.CreateCounter("botvisor.worker.reassignments", "Tenants moved off a failed worker"); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *Instruments) ProcessStarted(ctx context.Context) {
	if in == nil {
		return
	}
	in.processStarts.Add(ctx, 1)
	in.runningBots.Add(ctx, 1)
}

func (in *Instruments) ProcessEnded(ctx context.Context, outcome string) {
	if in == nil {
		return
	}
	in.processExits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	in.runningBots.Add(ctx, -1)
}

func (in *Instruments) Delivered(ctx context.Context, workerID string, ms float64, err error) {
	if in == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("worker.id", workerID), attribute.String("outcome", outcome))
	in.deliveries.Add(ctx, 1, attrs)
	in.deliveryTime.Record(ctx, ms, attrs)
}

func (in *Instruments) ProbeFailed(ctx context.Context, workerID string) {
	if in == nil {
		return
	}
	in.probeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("worker.id", workerID)))
}

func (in *Instruments) Reassigned(ctx context.Context, fromWorker string) {
	if in == nil {
		return
	}
	in.reassignments.Add(ctx, 1, metric.WithAttributes(attribute.String("worker.id", fromWorker)))
}
