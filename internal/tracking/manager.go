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

package tracking

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// StepPhase classifies how far a step has progressed.
type StepPhase string

const (
	PhaseNotStarted         StepPhase = "NOT_STARTED"
	PhaseStarted            StepPhase = "STARTED"
	PhaseSessionInitialized StepPhase = "SESSION_INITIALIZED"
	PhaseChainInProgress    StepPhase = "CHAIN_IN_PROGRESS"
	PhaseCompleted          StepPhase = "COMPLETED"
)

// ResumeDecision says how the engine should re-enter a workflow.
type ResumeDecision string

const (
	StartFresh             ResumeDecision = "START_FRESH"
	ResumeFromChain        ResumeDecision = "RESUME_FROM_CHAIN"
	ResumeFromCrash        ResumeDecision = "RESUME_FROM_CRASH"
	ContinueAfterCompleted ResumeDecision = "CONTINUE_AFTER_COMPLETED"
)

// ResumeInfo is the engine's starting point for a run.
type ResumeInfo struct {
	StartIndex   int
	Decision     ResumeDecision
	ChainIndex   int
	SessionID    string
	MonitoringID int
}

// Manager is the single authority over template.json. Reads are idempotent;
// writes are serialized per-process and each one refreshes LastUpdated.
type Manager struct {
	path  string
	state *Tracking
}

// NewManager loads (or initializes) the tracking file at path.
func NewManager(path, activeTemplate string) (*Manager, error) {
	m := &Manager{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		state, decodeErr := decodeTracking(data)
		if decodeErr != nil {
			return nil, errors.Wrapf(decodeErr, "parsing %s", path)
		}
		m.state = state
	case os.IsNotExist(err):
		m.state = &Tracking{
			ActiveTemplate: activeTemplate,
			CompletedSteps: make(map[string]*StepData),
		}
	default:
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	if activeTemplate != "" && m.state.ActiveTemplate != activeTemplate {
		// A new template invalidates prior progress.
		m.state = &Tracking{
			ActiveTemplate: activeTemplate,
			ProjectName:    m.state.ProjectName,
			CompletedSteps: make(map[string]*StepData),
		}
		if err := m.save(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Manager) save() error {
	m.state.LastUpdated = time.Now()
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, append(data, '\n'), 0o644)
}

// StepStarted records that a step began executing. Idempotent.
func (m *Manager) StepStarted(stepIndex int) error {
	for _, idx := range m.state.NotCompletedSteps {
		if idx == stepIndex {
			return nil
		}
	}
	m.state.NotCompletedSteps = append(m.state.NotCompletedSteps, stepIndex)
	sort.Ints(m.state.NotCompletedSteps)
	return m.save()
}

// StepSessionInitialized records the step's engine session, preserving any
// existing completedChains.
func (m *Manager) StepSessionInitialized(stepIndex int, sessionID string, monitoringID int) error {
	data := m.stepData(stepIndex)
	if data == nil {
		data = &StepData{}
		m.state.CompletedSteps[strconv.Itoa(stepIndex)] = data
	}
	data.SessionID = sessionID
	data.MonitoringID = monitoringID
	return m.save()
}

// UpdateStepSession refreshes the session id after a resume round.
func (m *Manager) UpdateStepSession(stepIndex int, sessionID string, monitoringID int) error {
	return m.StepSessionInitialized(stepIndex, sessionID, monitoringID)
}

// ChainCompleted records one finished chained prompt. Idempotent per
// (stepIndex, chainIndex).
func (m *Manager) ChainCompleted(stepIndex, chainIndex int) error {
	data := m.stepData(stepIndex)
	if data == nil {
		data = &StepData{}
		m.state.CompletedSteps[strconv.Itoa(stepIndex)] = data
	}
	for _, idx := range data.CompletedChains {
		if idx == chainIndex {
			return nil
		}
	}
	data.CompletedChains = append(data.CompletedChains, chainIndex)
	sort.Ints(data.CompletedChains)
	return m.save()
}

// StepCompleted marks a step fully done: sets completedAt, drops the chain
// list, and removes the step from notCompletedSteps.
func (m *Manager) StepCompleted(stepIndex int) error {
	data := m.stepData(stepIndex)
	if data == nil {
		data = &StepData{}
		m.state.CompletedSteps[strconv.Itoa(stepIndex)] = data
	}
	now := time.Now()
	data.CompletedAt = &now
	data.CompletedChains = nil
	m.removeNotCompleted(stepIndex)
	return m.save()
}

// RemoveFromNotCompleted clears a crashed step after fallback handled it.
func (m *Manager) RemoveFromNotCompleted(stepIndex int) error {
	m.removeNotCompleted(stepIndex)
	return m.save()
}

func (m *Manager) removeNotCompleted(stepIndex int) {
	kept := m.state.NotCompletedSteps[:0]
	for _, idx := range m.state.NotCompletedSteps {
		if idx != stepIndex {
			kept = append(kept, idx)
		}
	}
	m.state.NotCompletedSteps = kept
}

func (m *Manager) stepData(stepIndex int) *StepData {
	return m.state.CompletedSteps[strconv.Itoa(stepIndex)]
}

// IsStepCompleted reports whether a step has completedAt set.
func (m *Manager) IsStepCompleted(stepIndex int) bool {
	data := m.stepData(stepIndex)
	return data != nil && data.CompletedAt != nil
}

// GetStepData returns a copy of the step's persisted state, or nil.
func (m *Manager) GetStepData(stepIndex int) *StepData {
	data := m.stepData(stepIndex)
	if data == nil {
		return nil
	}
	copied := *data
	copied.CompletedChains = append([]int(nil), data.CompletedChains...)
	return &copied
}

// GetCompletedSteps returns the indices with completedAt set, sorted.
func (m *Manager) GetCompletedSteps() []int {
	var out []int
	for key, data := range m.state.CompletedSteps {
		if data == nil || data.CompletedAt == nil {
			continue
		}
		if idx, err := strconv.Atoi(key); err == nil {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// GetNotCompletedSteps returns the started-but-unfinished indices, sorted.
func (m *Manager) GetNotCompletedSteps() []int {
	return append([]int(nil), m.state.NotCompletedSteps...)
}

// GetStepPhase classifies a step's progress.
func (m *Manager) GetStepPhase(stepIndex int) StepPhase {
	data := m.stepData(stepIndex)
	if data != nil && data.CompletedAt != nil {
		return PhaseCompleted
	}
	if data != nil && len(data.CompletedChains) > 0 {
		return PhaseChainInProgress
	}
	if data != nil && data.SessionID != "" {
		return PhaseSessionInitialized
	}
	for _, idx := range m.state.NotCompletedSteps {
		if idx == stepIndex {
			return PhaseStarted
		}
	}
	return PhaseNotStarted
}

// GetResumeInfo decides where a run should start, in strict priority order:
// disabled resume, mid-chain resume, crash recovery, continue after the last
// completed step, fresh start.
func (m *Manager) GetResumeInfo() ResumeInfo {
	if !m.state.resumeFromLastStep() {
		return ResumeInfo{StartIndex: 0, Decision: StartFresh}
	}

	// Mid-chain: a step with finished chains but no completedAt.
	chainStep, chainData := -1, (*StepData)(nil)
	for key, data := range m.state.CompletedSteps {
		if data == nil || data.CompletedAt != nil || len(data.CompletedChains) == 0 {
			continue
		}
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if chainStep == -1 || idx < chainStep {
			chainStep, chainData = idx, data
		}
	}
	if chainStep >= 0 {
		maxChain := chainData.CompletedChains[len(chainData.CompletedChains)-1]
		return ResumeInfo{
			StartIndex:   chainStep,
			Decision:     ResumeFromChain,
			ChainIndex:   maxChain + 1,
			SessionID:    chainData.SessionID,
			MonitoringID: chainData.MonitoringID,
		}
	}

	// Crash: steps are sequential, so the highest unfinished one was in
	// flight.
	if len(m.state.NotCompletedSteps) > 0 {
		return ResumeInfo{
			StartIndex: m.state.NotCompletedSteps[len(m.state.NotCompletedSteps)-1],
			Decision:   ResumeFromCrash,
		}
	}

	if completed := m.GetCompletedSteps(); len(completed) > 0 {
		return ResumeInfo{
			StartIndex: completed[len(completed)-1] + 1,
			Decision:   ContinueAfterCompleted,
		}
	}

	return ResumeInfo{StartIndex: 0, Decision: StartFresh}
}

// AutonomousMode returns the persisted mode, defaulting to "false".
func (m *Manager) AutonomousMode() string {
	if m.state.AutonomousMode == "" {
		return AutoModeFalse
	}
	return m.state.AutonomousMode
}

// SetAutonomousMode persists the mode string.
func (m *Manager) SetAutonomousMode(mode string) error {
	m.state.AutonomousMode = mode
	return m.save()
}

// Controller returns the persisted controller config, or nil.
func (m *Manager) Controller() *ControllerConfig {
	if m.state.ControllerConfig == nil {
		return nil
	}
	copied := *m.state.ControllerConfig
	return &copied
}

// SetController persists the controller config.
func (m *Manager) SetController(cfg ControllerConfig) error {
	m.state.ControllerConfig = &cfg
	return m.save()
}

// SetResumeFromLastStep persists the resume flag.
func (m *Manager) SetResumeFromLastStep(resume bool) error {
	m.state.ResumeFromLastStep = &resume
	return m.save()
}

// SetOnboarding persists the onboarding outputs.
func (m *Manager) SetOnboarding(projectName, track string, conditions []string) error {
	m.state.ProjectName = projectName
	m.state.SelectedTrack = track
	m.state.SelectedConditions = append([]string(nil), conditions...)
	return m.save()
}

// ProjectName implements prompt.ContextSource.
func (m *Manager) ProjectName() string { return m.state.ProjectName }

// SelectedTrack implements prompt.ContextSource.
func (m *Manager) SelectedTrack() string { return m.state.SelectedTrack }

// SelectedConditions implements prompt.ContextSource.
func (m *Manager) SelectedConditions() []string {
	return append([]string(nil), m.state.SelectedConditions...)
}
