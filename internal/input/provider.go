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

// Package input decides where the next user-style instruction comes from: a
// human at the terminal or the controller agent's next turn. Providers are a
// strategy; the mode manager computes which one is active.
package input

import "context"

// SwitchToAutoSentinel is the value the user provider resolves with when the
// mode flips to auto mid-wait, so the outer loop can swap providers.
const SwitchToAutoSentinel = "__SWITCH_TO_AUTO__"

// ResultType discriminates provider results.
type ResultType string

const (
	// TypeInput carries an instruction (possibly empty, meaning advance).
	TypeInput ResultType = "input"
	// TypeSkip skips the remainder of the step.
	TypeSkip ResultType = "skip"
	// TypeStop stops the workflow.
	TypeStop ResultType = "stop"
)

// Result is one provider answer.
type Result struct {
	Type ResultType

	// Value is the instruction text for TypeInput.
	Value string

	// ResumeMonitoringID targets a specific paused agent, when set.
	ResumeMonitoringID int

	// Source records who produced the input ("user", "queue", "controller").
	Source string
}

// Context carries the step state a provider may consult.
type Context struct {
	// StepIndex is the current step.
	StepIndex int

	// StepOutput is the step's latest output.
	StepOutput string

	// Queue is the step's chained prompt queue.
	Queue []string

	// QueueIndex is the next unconsumed queue entry.
	QueueIndex int

	// WorkingDir is the workflow working directory.
	WorkingDir string

	// UniqueAgentID identifies the step's agent instance.
	UniqueAgentID string
}

// Provider produces the next instruction. Implementations must support
// Abort dropping a pending GetInput without producing a Result, and must
// never be left waiting after Deactivate.
type Provider interface {
	// ID names the provider ("user", "controller").
	ID() string

	// GetInput blocks until an instruction is available.
	GetInput(ctx context.Context, in Context) (*Result, error)

	// Activate is called when the provider becomes the active one.
	Activate()

	// Deactivate is called when the provider stops being active.
	Deactivate()

	// Abort cancels a pending GetInput.
	Abort()
}
