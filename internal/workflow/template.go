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

// Package workflow contains the execution engine: the declarative template
// model, the step runner, and the top-level loop that drives agents through
// the pipeline.
package workflow

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// RoleController marks the agent a template may declare as its controller.
const RoleController = "controller"

// PromptPaths accepts a single path or an ordered list in YAML.
type PromptPaths []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PromptPaths) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*p = PromptPaths{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*p = PromptPaths(list)
		return nil
	}
	return fmt.Errorf("promptPath must be a string or list of strings")
}

// AgentDefinition is the static description of one agent.
type AgentDefinition struct {
	// ID is the stable agent identifier referenced by steps.
	ID string `yaml:"id"`

	// Name is the human-readable agent name.
	Name string `yaml:"name"`

	// Role is "controller" for the autonomous driver, empty otherwise.
	Role string `yaml:"role,omitempty"`

	// Engine is the default engine id for this agent.
	Engine string `yaml:"engine,omitempty"`

	// Model is the default model name for this agent.
	Model string `yaml:"model,omitempty"`

	// PromptPaths resolve against the imports dir first, then the working
	// dir.
	PromptPaths PromptPaths `yaml:"promptPath,omitempty"`

	// ModelReasoningEffort is low/medium/high when set.
	ModelReasoningEffort string `yaml:"modelReasoningEffort,omitempty"`

	// NotCompletedFallback names the recovery agent run when this agent's
	// step is detected incomplete on a later run.
	NotCompletedFallback string `yaml:"notCompletedFallback,omitempty"`

	// ChainedPrompts are additional user-turn prompts fed in order when the
	// user advances with empty input.
	ChainedPrompts []string `yaml:"chainedPrompts,omitempty"`
}

// BehaviorLoop and BehaviorCheckpoint are the module behavior types.
const (
	BehaviorLoop       = "loop"
	BehaviorCheckpoint = "checkpoint"
)

// Behavior attaches loop or checkpoint semantics to a module step.
type Behavior struct {
	Type          string `yaml:"type"`
	MaxIterations int    `yaml:"maxIterations,omitempty"`
	StepsBack     int    `yaml:"stepsBack,omitempty"`
}

// Step types.
const (
	StepTypeModule = "module"
	StepTypeUI     = "ui"
)

// Step is one pipeline entry: a module step executing an agent, or a pure
// UI element.
type Step struct {
	// Type discriminates module and ui steps; empty means module.
	Type string `yaml:"type,omitempty"`

	// AgentID references an AgentDefinition (module steps).
	AgentID string `yaml:"agent,omitempty"`

	// Engine overrides the agent's engine for this step.
	Engine string `yaml:"engine,omitempty"`

	// Model overrides the agent's model for this step.
	Model string `yaml:"model,omitempty"`

	// PromptPaths override the agent's prompts for this step.
	PromptPaths PromptPaths `yaml:"promptPath,omitempty"`

	// ExecuteOnce marks the step completed immediately after its first run.
	ExecuteOnce bool `yaml:"executeOnce,omitempty"`

	// NotCompletedFallback overrides the agent's fallback for this step.
	NotCompletedFallback string `yaml:"notCompletedFallback,omitempty"`

	// Behavior attaches loop/checkpoint semantics.
	Behavior *Behavior `yaml:"behavior,omitempty"`

	// Text is the display content of a ui step.
	Text string `yaml:"text,omitempty"`

	// Condition gates the step on the onboarding conditions; an expr
	// expression over "conditions" and "track". Empty means always run.
	Condition string `yaml:"condition,omitempty"`
}

// IsUI reports whether the step is a pure display element.
func (s *Step) IsUI() bool {
	return s.Type == StepTypeUI
}

// ControllerOptions override the controller agent's engine and model.
type ControllerOptions struct {
	Engine string `yaml:"engine,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// ControllerDecl declares the template's controller agent.
type ControllerDecl struct {
	Type    string            `yaml:"type"`
	AgentID string            `yaml:"agentId"`
	Options ControllerOptions `yaml:"options,omitempty"`
}

// Track is an onboarding track the user picks from.
type Track struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Conditions []string `yaml:"conditions,omitempty"`
}

// ConditionGroup is an onboarding question with selectable options.
type ConditionGroup struct {
	ID      string   `yaml:"id"`
	Prompt  string   `yaml:"prompt,omitempty"`
	Options []string `yaml:"options"`
}

// Template is a user-authored pipeline definition.
type Template struct {
	// Name identifies the template.
	Name string `yaml:"name"`

	// AutonomousMode is the default mode for new runs.
	AutonomousMode bool `yaml:"autonomousMode,omitempty"`

	// Controller optionally declares the always-on controller agent.
	Controller *ControllerDecl `yaml:"controller,omitempty"`

	// SubAgentIDs are mirrored into the workspace for sub-agent use.
	SubAgentIDs []string `yaml:"subAgentIds,omitempty"`

	// Tracks and ConditionGroups drive onboarding.
	Tracks          []Track          `yaml:"tracks,omitempty"`
	ConditionGroups []ConditionGroup `yaml:"conditionGroups,omitempty"`

	// Agents defines every agent the steps reference.
	Agents []AgentDefinition `yaml:"agents"`

	// Steps is the ordered pipeline.
	Steps []Step `yaml:"steps"`
}

// LoadTemplate reads and validates a template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading template %s", path)
	}

	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, errors.Wrapf(err, "parsing template %s", path)
	}

	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Agent looks up an agent definition by id.
func (t *Template) Agent(id string) (*AgentDefinition, error) {
	for i := range t.Agents {
		if t.Agents[i].ID == id {
			return &t.Agents[i], nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "agent", ID: id}
}

// Validate checks referential integrity and behavior sanity. Failures here
// are fatal at startup.
func (t *Template) Validate() error {
	if t.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "template name is required"}
	}
	if len(t.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "template has no steps"}
	}

	ids := make(map[string]bool, len(t.Agents))
	for _, def := range t.Agents {
		if def.ID == "" {
			return &errors.ValidationError{Field: "agents", Message: "agent id is required"}
		}
		if ids[def.ID] {
			return &errors.ValidationError{
				Field:   "agents",
				Message: "duplicate agent id " + def.ID,
			}
		}
		ids[def.ID] = true
		if def.NotCompletedFallback != "" && def.NotCompletedFallback == def.ID {
			return &errors.ValidationError{
				Field:   "agents." + def.ID,
				Message: "agent cannot be its own fallback",
			}
		}
	}

	for i, step := range t.Steps {
		if step.IsUI() {
			continue
		}
		if step.AgentID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d]", i),
				Message: "module step must reference an agent",
			}
		}
		if !ids[step.AgentID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].agent", i),
				Message: "unknown agent " + step.AgentID,
			}
		}
		if step.NotCompletedFallback != "" && !ids[step.NotCompletedFallback] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].notCompletedFallback", i),
				Message: "unknown agent " + step.NotCompletedFallback,
			}
		}
		if step.Behavior != nil && step.Behavior.Type == BehaviorLoop {
			if step.Behavior.StepsBack <= 0 {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].behavior.stepsBack", i),
					Message: "loop behavior requires stepsBack > 0",
				}
			}
		}
		if step.Condition != "" {
			if _, err := expr.Compile(step.Condition, conditionOptions()...); err != nil {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps[%d].condition", i),
					Message:    err.Error(),
					Suggestion: `conditions are expr expressions, e.g. "has_docker" in conditions`,
				}
			}
		}
	}

	if t.Controller != nil && !ids[t.Controller.AgentID] {
		return &errors.ValidationError{
			Field:   "controller.agentId",
			Message: "unknown agent " + t.Controller.AgentID,
		}
	}

	return nil
}

func conditionOptions() []expr.Option {
	return []expr.Option{
		expr.Env(conditionEnv{}),
		expr.AsBool(),
	}
}

type conditionEnv struct {
	Conditions []string `expr:"conditions"`
	Track      string   `expr:"track"`
}

// StepEnabled evaluates a step's condition against the selected onboarding
// conditions and track. Steps without a condition always run.
func StepEnabled(step *Step, conditions []string, track string) (bool, error) {
	if step.Condition == "" {
		return true, nil
	}
	program, err := expr.Compile(step.Condition, conditionOptions()...)
	if err != nil {
		return false, errors.Wrap(err, "compiling step condition")
	}
	result, err := expr.Run(program, conditionEnv{Conditions: conditions, Track: track})
	if err != nil {
		return false, errors.Wrap(err, "evaluating step condition")
	}
	enabled, ok := result.(bool)
	if !ok {
		return false, errors.New("step condition did not evaluate to a bool")
	}
	return enabled, nil
}
