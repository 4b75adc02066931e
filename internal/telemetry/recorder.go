// Copyright 2025 Tom Barlow
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

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/moazbuilds/codemachine/internal/events"
)

// Recorder feeds workflow events into otel metrics. It subscribes to the
// bus so the engine itself stays metric-free.
type Recorder struct {
	steps  metric.Int64Counter
	tokens metric.Int64Counter
	cost   metric.Float64Counter
	unsub  func()

	mu       sync.Mutex
	lastSeen map[int]events.TelemetryPayload
}

// NewRecorder creates the counters and subscribes to the bus. Call Close to
// unsubscribe.
func NewRecorder(bus *events.Bus) (*Recorder, error) {
	meter := otel.Meter(TracerName)

	steps, err := meter.Int64Counter("codemachine.steps",
		metric.WithDescription("workflow steps completed or skipped"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("codemachine.tokens",
		metric.WithDescription("tokens consumed by agents"))
	if err != nil {
		return nil, err
	}
	cost, err := meter.Float64Counter("codemachine.cost_usd",
		metric.WithDescription("cumulative agent cost in USD"))
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		steps:    steps,
		tokens:   tokens,
		cost:     cost,
		lastSeen: make(map[int]events.TelemetryPayload),
	}
	r.unsub = bus.Subscribe(r.handle)
	return r, nil
}

func (r *Recorder) handle(e events.Event) {
	ctx := context.Background()
	switch e.Type {
	case events.WorkflowStatus:
		if p, ok := e.Payload.(events.WorkflowStatusPayload); ok && p.Status == "running" {
			r.steps.Add(ctx, 1, metric.WithAttributes(
				attribute.String("template", p.Template)))
		}
	case events.AgentTelemetry:
		p, ok := e.Payload.(events.TelemetryPayload)
		if !ok {
			return
		}
		// Engine numbers are cumulative; record only the delta.
		r.mu.Lock()
		defer r.mu.Unlock()
		prev := r.lastSeen[p.MonitoringID]
		if delta := p.TokensIn + p.TokensOut - prev.TokensIn - prev.TokensOut; delta > 0 {
			r.tokens.Add(ctx, delta)
		}
		if delta := p.CostUSD - prev.CostUSD; delta > 0 {
			r.cost.Add(ctx, delta)
		}
		r.lastSeen[p.MonitoringID] = p
	}
}

// Close unsubscribes the recorder from the bus.
func (r *Recorder) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}
