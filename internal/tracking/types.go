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

// Package tracking persists workflow lifecycle state in template.json: which
// step is next, which chains completed, and whether a crashed run is pending
// recovery. The Manager is the single writer of the file.
package tracking

import (
	"encoding/json"
	"strconv"
	"time"
)

// AutonomousMode values as persisted. "never" and "always" pin the mode
// against live switching.
const (
	AutoModeTrue   = "true"
	AutoModeFalse  = "false"
	AutoModeNever  = "never"
	AutoModeAlways = "always"
)

// StepData is the persisted per-step state.
type StepData struct {
	// SessionID is the engine session for resume, "" if none.
	SessionID string `json:"sessionId"`

	// MonitoringID is the agent monitor id of the step's run.
	MonitoringID int `json:"monitoringId"`

	// CompletedChains lists finished chained-prompt indices, sorted.
	CompletedChains []int `json:"completedChains,omitempty"`

	// CompletedAt marks the step fully done when present.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ControllerConfig records the controller agent's identity and session.
type ControllerConfig struct {
	AgentID      string `json:"agentId"`
	SessionID    string `json:"sessionId"`
	MonitoringID int    `json:"monitoringId"`
}

// Tracking is the on-disk template.json document.
type Tracking struct {
	ActiveTemplate     string               `json:"activeTemplate"`
	LastUpdated        time.Time            `json:"lastUpdated"`
	AutonomousMode     string               `json:"autonomousMode,omitempty"`
	ResumeFromLastStep *bool                `json:"resumeFromLastStep,omitempty"`
	ControllerConfig   *ControllerConfig    `json:"controllerConfig,omitempty"`
	CompletedSteps     map[string]*StepData `json:"completedSteps"`
	NotCompletedSteps  []int                `json:"notCompletedSteps"`
	ProjectName        string               `json:"projectName,omitempty"`
	SelectedTrack      string               `json:"selectedTrack,omitempty"`
	SelectedConditions []string             `json:"selectedConditions,omitempty"`
}

// resumeFromLastStep applies the default (true) when the field is absent.
func (t *Tracking) resumeFromLastStep() bool {
	if t.ResumeFromLastStep == nil {
		return true
	}
	return *t.ResumeFromLastStep
}

// trackingWire mirrors Tracking but tolerates the legacy completedSteps
// shape (a bare array of step indices).
type trackingWire struct {
	ActiveTemplate     string            `json:"activeTemplate"`
	LastUpdated        time.Time         `json:"lastUpdated"`
	AutonomousMode     string            `json:"autonomousMode,omitempty"`
	ResumeFromLastStep *bool             `json:"resumeFromLastStep,omitempty"`
	ControllerConfig   *ControllerConfig `json:"controllerConfig,omitempty"`
	CompletedSteps     json.RawMessage   `json:"completedSteps"`
	NotCompletedSteps  []int             `json:"notCompletedSteps"`
	ProjectName        string            `json:"projectName,omitempty"`
	SelectedTrack      string            `json:"selectedTrack,omitempty"`
	SelectedConditions []string          `json:"selectedConditions,omitempty"`
}

// decodeTracking parses template.json, migrating the legacy completedSteps
// array: each bare index becomes {sessionId:"", monitoringId:0, completedAt: now}.
func decodeTracking(data []byte) (*Tracking, error) {
	var wire trackingWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	t := &Tracking{
		ActiveTemplate:     wire.ActiveTemplate,
		LastUpdated:        wire.LastUpdated,
		AutonomousMode:     wire.AutonomousMode,
		ResumeFromLastStep: wire.ResumeFromLastStep,
		ControllerConfig:   wire.ControllerConfig,
		NotCompletedSteps:  wire.NotCompletedSteps,
		ProjectName:        wire.ProjectName,
		SelectedTrack:      wire.SelectedTrack,
		SelectedConditions: wire.SelectedConditions,
		CompletedSteps:     make(map[string]*StepData),
	}

	if len(wire.CompletedSteps) == 0 {
		return t, nil
	}

	var asMap map[string]*StepData
	if err := json.Unmarshal(wire.CompletedSteps, &asMap); err == nil {
		for k, v := range asMap {
			if v == nil {
				v = &StepData{}
			}
			t.CompletedSteps[k] = v
		}
		return t, nil
	}

	var asArray []int
	if err := json.Unmarshal(wire.CompletedSteps, &asArray); err != nil {
		return nil, err
	}
	now := time.Now()
	for _, idx := range asArray {
		t.CompletedSteps[strconv.Itoa(idx)] = &StepData{CompletedAt: &now}
	}
	return t, nil
}
