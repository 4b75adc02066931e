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

package events

import (
	"sync"

	"golang.org/x/time/rate"
)

// telemetryRate caps how often per-agent telemetry updates reach the bus so
// a chatty stream cannot flood subscribers. The final update always flushes.
const telemetryRate = 10

// WorkflowStatusPayload accompanies workflow lifecycle events.
type WorkflowStatusPayload struct {
	Template string
	Status   string
	Reason   string
}

// AgentPayload accompanies agent lifecycle events.
type AgentPayload struct {
	MonitoringID int
	Name         string
	ParentID     int
	Engine       string
	Model        string
	Status       string
	Error        string
}

// TelemetryPayload accompanies agent telemetry events.
type TelemetryPayload struct {
	MonitoringID int
	TokensIn     int64
	TokensOut    int64
	Cached       int64
	CostUSD      float64
	DurationMS   int64
}

// MessagePayload accompanies message log events.
type MessagePayload struct {
	MonitoringID int
	Line         string
}

// LoopPayload accompanies loop state events.
type LoopPayload struct {
	SourceAgent   string
	BackSteps     int
	Iteration     int
	MaxIterations int
	SkipList      []string
	Reason        string
}

// CheckpointPayload accompanies checkpoint state events.
type CheckpointPayload struct {
	StepIndex int
	Agent     string
	Reason    string
}

// InputStatePayload accompanies input state events.
type InputStatePayload struct {
	Waiting  bool
	AutoMode bool
	Paused   bool
}

// Emitter wraps the bus with the engine's domain vocabulary. The engine is
// fully usable with only the bus; the emitter is convenience, not coupling.
type Emitter struct {
	bus *Bus

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

// NewEmitter creates an emitter over the given bus.
func NewEmitter(bus *Bus) *Emitter {
	return &Emitter{
		bus:      bus,
		limiters: make(map[int]*rate.Limiter),
	}
}

// Bus returns the underlying bus for subscription.
func (em *Emitter) Bus() *Bus { return em.bus }

// WorkflowStarted announces the start of a template run.
func (em *Emitter) WorkflowStarted(template string) {
	em.bus.Emit(Event{Type: WorkflowStarted, Payload: WorkflowStatusPayload{Template: template, Status: "running"}})
}

// WorkflowStatusChanged announces a workflow status transition.
func (em *Emitter) WorkflowStatusChanged(template, status, reason string) {
	em.bus.Emit(Event{Type: WorkflowStatus, Payload: WorkflowStatusPayload{Template: template, Status: status, Reason: reason}})
}

// WorkflowStopped announces the end of a run.
func (em *Emitter) WorkflowStopped(template, reason string) {
	em.bus.Emit(Event{Type: WorkflowStopped, Payload: WorkflowStatusPayload{Template: template, Status: "stopped", Reason: reason}})
}

// WorkflowErrored announces an unrecoverable failure.
func (em *Emitter) WorkflowErrored(template, reason string) {
	em.bus.Emit(Event{Type: WorkflowError, Payload: WorkflowStatusPayload{Template: template, Status: "error", Reason: reason}})
}

// AgentAdded announces a new root agent record.
func (em *Emitter) AgentAdded(p AgentPayload) {
	em.bus.Emit(Event{Type: AgentAdded, Payload: p})
}

// AgentStatusChanged announces an agent status transition.
func (em *Emitter) AgentStatusChanged(p AgentPayload) {
	em.bus.Emit(Event{Type: AgentStatus, Payload: p})
}

// AgentReset announces that a terminal or paused agent went back to
// running (a session resume).
func (em *Emitter) AgentReset(p AgentPayload) {
	em.bus.Emit(Event{Type: AgentReset, Payload: p})
}

// SubagentAdded announces a new child agent record.
func (em *Emitter) SubagentAdded(p AgentPayload) {
	em.bus.Emit(Event{Type: SubagentAdded, Payload: p})
}

// SubagentsBatchAdded announces several child agent records registered
// together.
func (em *Emitter) SubagentsBatchAdded(batch []AgentPayload) {
	em.bus.Emit(Event{Type: SubagentBatch, Payload: batch})
}

// SubagentStatusChanged announces a child agent status transition.
func (em *Emitter) SubagentStatusChanged(p AgentPayload) {
	em.bus.Emit(Event{Type: SubagentStatus, Payload: p})
}

// SubagentsCleared announces removal of a subtree.
func (em *Emitter) SubagentsCleared(parentID int) {
	em.bus.Emit(Event{Type: SubagentClear, Payload: parentID})
}

// TriggeredAdded announces a directive-triggered agent.
func (em *Emitter) TriggeredAdded(p AgentPayload) {
	em.bus.Emit(Event{Type: TriggeredAdded, Payload: p})
}

// AgentTelemetry forwards a telemetry update, throttled per agent. Set final
// on the last update of a run so it always flushes.
func (em *Emitter) AgentTelemetry(p TelemetryPayload, final bool) {
	if !final && !em.limiter(p.MonitoringID).Allow() {
		return
	}
	em.bus.Emit(Event{Type: AgentTelemetry, Payload: p})
}

func (em *Emitter) limiter(monitoringID int) *rate.Limiter {
	em.mu.Lock()
	defer em.mu.Unlock()
	lim, ok := em.limiters[monitoringID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(telemetryRate), 1)
		em.limiters[monitoringID] = lim
	}
	return lim
}

// MessageLogged forwards one formatted stream line.
func (em *Emitter) MessageLogged(monitoringID int, line string) {
	em.bus.Emit(Event{Type: MessageLog, Payload: MessagePayload{MonitoringID: monitoringID, Line: line}})
}

// MonitoringRegistered announces that a monitoring id exists and log
// streaming may begin.
func (em *Emitter) MonitoringRegistered(monitoringID int, name, logPath string) {
	em.bus.Emit(Event{Type: MonitoringRegister, Payload: struct {
		MonitoringID int
		Name         string
		LogPath      string
	}{monitoringID, name, logPath}})
}

// LoopStateChanged announces the active loop record.
func (em *Emitter) LoopStateChanged(p LoopPayload) {
	em.bus.Emit(Event{Type: LoopState, Payload: p})
}

// LoopCleared announces loop completion.
func (em *Emitter) LoopCleared() {
	em.bus.Emit(Event{Type: LoopClear})
}

// CheckpointReached announces a checkpoint awaiting resolution.
func (em *Emitter) CheckpointReached(p CheckpointPayload) {
	em.bus.Emit(Event{Type: CheckpointState, Payload: p})
}

// CheckpointCleared announces checkpoint resolution.
func (em *Emitter) CheckpointCleared() {
	em.bus.Emit(Event{Type: CheckpointClear})
}

// UIElementShown forwards a pure display step to the UI.
func (em *Emitter) UIElementShown(stepIndex int, text string) {
	em.bus.Emit(Event{Type: UIElement, Payload: struct {
		StepIndex int
		Text      string
	}{stepIndex, text}})
}

// ControllerInfoChanged announces controller identity and session state.
func (em *Emitter) ControllerInfoChanged(agentID, sessionID string, monitoringID int) {
	em.bus.Emit(Event{Type: ControllerInfo, Payload: struct {
		AgentID      string
		SessionID    string
		MonitoringID int
	}{agentID, sessionID, monitoringID}})
}

// ControllerStatusChanged announces controller activity.
func (em *Emitter) ControllerStatusChanged(status string) {
	em.bus.Emit(Event{Type: ControllerStatus, Payload: status})
}

// InputStateSet announces who input is expected from.
func (em *Emitter) InputStateSet(p InputStatePayload) {
	em.bus.Emit(Event{Type: InputState, Payload: p})
}

// InputWaiting announces that the engine is blocked on input.
func (em *Emitter) InputWaiting(stepIndex int) {
	em.bus.Emit(Event{Type: InputWaiting, Payload: stepIndex})
}

// InputReceived announces that queued or typed input was consumed.
func (em *Emitter) InputReceived(stepIndex int, source string) {
	em.bus.Emit(Event{Type: InputReceived, Payload: struct {
		StepIndex int
		Source    string
	}{stepIndex, source}})
}

// ViewChanged announces a top-level view switch (controller / executing).
func (em *Emitter) ViewChanged(view string) {
	em.bus.Emit(Event{Type: ViewChange, Payload: view})
}

// ModeChanged announces an auto/manual mode flip.
func (em *Emitter) ModeChanged(autoMode, paused bool) {
	em.bus.Emit(Event{Type: ModeChanged, Payload: InputStatePayload{AutoMode: autoMode, Paused: paused}})
}
