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

// Package directive parses the post-step instructions an agent can emit:
// either a directive.json sidecar in the working directory or a trailing
// fenced JSON block in the agent's final output.
package directive

// Kind is the directive action discriminator.
type Kind string

const (
	Continue   Kind = "continue"
	Loop       Kind = "loop"
	Checkpoint Kind = "checkpoint"
	Trigger    Kind = "trigger"
	Stop       Kind = "stop"
	Error      Kind = "error"
	Pause      Kind = "pause"
)

// Priority orders actions within one step; higher wins.
func (k Kind) Priority() int {
	switch k {
	case Error:
		return 7
	case Stop:
		return 6
	case Trigger:
		return 5
	case Checkpoint:
		return 4
	case Loop:
		return 3
	case Pause:
		return 2
	case Continue:
		return 1
	default:
		return 0
	}
}

// Action is the decoded directive.
type Action struct {
	// Kind is the normalized action; unknown actions decode as Continue.
	Kind Kind

	// Reason is the agent's stated motivation, when given.
	Reason string

	// TriggerAgentID names the agent to spawn for Trigger actions.
	TriggerAgentID string

	// StepsBack is how far Loop rewinds the pipeline.
	StepsBack int

	// SkipList names agents to bypass during the loop's re-traversal.
	SkipList []string

	// MaxIterations caps the loop when the module's behavior gives none.
	MaxIterations int
}

// ContinueAction is the default when no directive is present or parseable.
func ContinueAction() Action {
	return Action{Kind: Continue}
}
