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

// Package signals dispatches user interrupts (pause, skip, stop, mode
// change) into cooperative cancellation of the running step.
package signals

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/moazbuilds/codemachine/internal/agent"
	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/internal/input"
)

// StepRef identifies the step currently in flight.
type StepRef struct {
	StepIndex    int
	AgentID      string
	AgentName    string
	MonitoringID int
}

// Manager owns the abort handle for the running step and translates signals
// into mode changes, monitor transitions, and cancellation. Abort semantics
// are cooperative: only the in-flight step honors the signal, through the
// process supervisor's abort path.
type Manager struct {
	mode     *input.Mode
	monitor  *agent.Monitor
	emitter  *events.Emitter
	logger   *slog.Logger
	template string

	mu      sync.Mutex
	cancel  context.CancelFunc
	current *StepRef

	shuttingDown atomic.Bool
}

// NewManager creates the signal manager.
func NewManager(mode *input.Mode, monitor *agent.Monitor, emitter *events.Emitter, template string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		mode:     mode,
		monitor:  monitor,
		emitter:  emitter,
		template: template,
		logger:   logger,
	}
}

// BeginStep installs the abort handle for a step and returns the step's
// context. The returned release func clears the handle; call it when the
// step ends.
func (m *Manager) BeginStep(ctx context.Context, ref StepRef) (context.Context, func()) {
	stepCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	refCopy := ref
	m.current = &refCopy
	m.mu.Unlock()

	return stepCtx, func() {
		cancel()
		m.mu.Lock()
		if m.current != nil && m.current.StepIndex == ref.StepIndex {
			m.cancel = nil
			m.current = nil
		}
		m.mu.Unlock()
	}
}

// SetMonitoringID updates the in-flight step's monitoring id once known.
func (m *Manager) SetMonitoringID(stepIndex, monitoringID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.StepIndex == stepIndex {
		m.current.MonitoringID = monitoringID
	}
}

// Pause pauses the mode, marks the running agent paused when resumable, and
// aborts the step.
func (m *Manager) Pause(ctx context.Context) {
	m.logger.Info("pause signal received")
	m.mode.Pause()
	m.pauseCurrent(ctx)
	m.abort()
}

// Skip aborts the current step without touching the mode.
func (m *Manager) Skip() {
	m.logger.Info("skip signal received")
	m.abort()
}

// Stop pauses the mode, marks the agent paused, aborts, and announces the
// workflow stop.
func (m *Manager) Stop(ctx context.Context) {
	m.logger.Info("stop signal received")
	m.mode.Pause()
	m.pauseCurrent(ctx)
	m.abort()
	m.emitter.WorkflowStopped(m.template, "stopped by user")
}

// SetAutoMode flips the mode; the active input provider observes the change.
func (m *Manager) SetAutoMode(auto bool) {
	m.logger.Info("mode change signal received", "auto", auto)
	m.mode.SetAutoMode(auto)
}

// BeginShutdown marks the process as shutting down so layers can suppress
// error logging during a SIGINT exit.
func (m *Manager) BeginShutdown() {
	m.shuttingDown.Store(true)
}

// ShuttingDown reports whether a shutdown is in progress.
func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown.Load()
}

func (m *Manager) abort() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pauseCurrent transitions the in-flight agent to paused; without a session
// the step runner's abort path will fail it instead.
func (m *Manager) pauseCurrent(ctx context.Context) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil || current.MonitoringID == 0 {
		return
	}
	if err := m.monitor.MarkPaused(ctx, current.MonitoringID); err != nil {
		m.logger.Debug("agent not resumable, leaving transition to the step runner",
			"monitoring_id", current.MonitoringID, "error", err)
	}
}
