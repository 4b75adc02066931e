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

// Package events provides the typed pub/sub bus that decouples the workflow
// engine from any UI, plus the domain-level emitter vocabulary.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

// Domain event vocabulary.
const (
	WorkflowStarted Type = "workflow:started"
	WorkflowStatus  Type = "workflow:status"
	WorkflowStopped Type = "workflow:stopped"
	WorkflowError   Type = "workflow:error"

	AgentAdded     Type = "agent:added"
	AgentStatus    Type = "agent:status"
	AgentTelemetry Type = "agent:telemetry"
	AgentReset     Type = "agent:reset"

	SubagentAdded  Type = "subagent:added"
	SubagentBatch  Type = "subagent:batch"
	SubagentStatus Type = "subagent:status"
	SubagentClear  Type = "subagent:clear"

	TriggeredAdded Type = "triggered:added"

	LoopState Type = "loop:state"
	LoopClear Type = "loop:clear"

	CheckpointState   Type = "checkpoint:state"
	CheckpointClear   Type = "checkpoint:clear"
	CheckpointResolve Type = "checkpoint:resolve"

	MessageLog Type = "message:log"
	UIElement  Type = "ui:element"

	MonitoringRegister Type = "monitoring:register"

	ControllerInfo   Type = "controller:info"
	ControllerStatus Type = "controller:status"

	InputState    Type = "input:state"
	InputWaiting  Type = "input:waiting"
	InputReceived Type = "input:received"
	InputMessage  Type = "input:message"

	ViewChange Type = "view:change"

	ModeChanged Type = "mode:changed"
)

// Event is a single bus message.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Payload   any
}

// Listener receives events. Listeners must not block; long work belongs in
// the listener's own goroutine.
type Listener func(Event)

// DefaultHistorySize caps the in-memory event history ring.
const DefaultHistorySize = 1000

// Bus is a typed pub/sub with an optional bounded history, used by bug
// reports and deterministic tests. A panicking listener never cancels
// delivery to the remaining listeners.
type Bus struct {
	mu       sync.RWMutex
	typed    map[Type][]*subscription
	general  []*subscription
	history  []Event
	capacity int
}

type subscription struct {
	fn   Listener
	once bool
	done bool
}

// NewBus creates a bus with the default history capacity.
func NewBus() *Bus {
	return NewBusWithHistory(DefaultHistorySize)
}

// NewBusWithHistory creates a bus retaining up to capacity events. Zero
// disables history.
func NewBusWithHistory(capacity int) *Bus {
	return &Bus{
		typed:    make(map[Type][]*subscription),
		capacity: capacity,
	}
}

// On registers a listener for one event type. The returned func removes the
// subscription.
func (b *Bus) On(t Type, fn Listener) func() {
	sub := &subscription{fn: fn}
	b.mu.Lock()
	b.typed[t] = append(b.typed[t], sub)
	b.mu.Unlock()
	return func() { b.remove(t, sub) }
}

// Once registers a listener that fires for at most one event of the type.
func (b *Bus) Once(t Type, fn Listener) func() {
	sub := &subscription{fn: fn, once: true}
	b.mu.Lock()
	b.typed[t] = append(b.typed[t], sub)
	b.mu.Unlock()
	return func() { b.remove(t, sub) }
}

// Subscribe registers a listener for every event.
func (b *Bus) Subscribe(fn Listener) func() {
	sub := &subscription{fn: fn}
	b.mu.Lock()
	b.general = append(b.general, sub)
	b.mu.Unlock()
	return func() { b.removeGeneral(sub) }
}

// Emit dispatches the event to all general subscribers and to subscribers of
// its type. Subscriber lists are snapshotted before delivery so listeners may
// (un)subscribe during dispatch.
func (b *Bus) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.capacity > 0 {
		b.history = append(b.history, e)
		if len(b.history) > b.capacity {
			b.history = b.history[len(b.history)-b.capacity:]
		}
	}
	targets := make([]*subscription, 0, len(b.general)+len(b.typed[e.Type]))
	targets = append(targets, b.general...)
	for _, sub := range b.typed[e.Type] {
		if sub.once {
			if sub.done {
				continue
			}
			sub.done = true
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		deliver(sub.fn, e)
	}

	b.pruneOnce(e.Type)
}

// deliver invokes one listener, containing panics so the remaining listeners
// still receive the event.
func deliver(fn Listener, e Event) {
	defer func() { recover() }()
	fn(e)
}

// pruneOnce drops consumed one-shot subscriptions.
func (b *Bus) pruneOnce(t Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.typed[t]
	kept := subs[:0]
	for _, sub := range subs {
		if !(sub.once && sub.done) {
			kept = append(kept, sub)
		}
	}
	b.typed[t] = kept
}

// History returns a copy of the retained events in arrival order.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// HistoryByType returns retained events of one type in arrival order.
func (b *Bus) HistoryByType(t Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.history {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) remove(t Type, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.typed[t]
	kept := subs[:0]
	for _, sub := range subs {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	b.typed[t] = kept
}

func (b *Bus) removeGeneral(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.general[:0]
	for _, sub := range b.general {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	b.general = kept
}
