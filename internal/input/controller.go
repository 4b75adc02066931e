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

package input

import (
	"context"
	"fmt"
	"sync"

	"github.com/moazbuilds/codemachine/internal/directive"
	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// TurnRunner resumes the controller agent's session with a prompt and
// returns its output. Supplied by the workflow engine so the provider stays
// free of step-runner wiring.
type TurnRunner func(ctx context.Context, prompt string) (string, error)

// ControllerProvider sources instructions from the controller agent: each
// request resumes the controller with the step's latest output and extracts
// the next instruction from its reply.
type ControllerProvider struct {
	emitter *events.Emitter
	runTurn TurnRunner

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewControllerProvider creates the controller input provider.
func NewControllerProvider(emitter *events.Emitter, runTurn TurnRunner) *ControllerProvider {
	return &ControllerProvider{emitter: emitter, runTurn: runTurn}
}

// ID implements Provider.
func (p *ControllerProvider) ID() string { return "controller" }

// Activate implements Provider.
func (p *ControllerProvider) Activate() {
	p.emitter.ControllerStatusChanged("active")
	p.emitter.InputStateSet(events.InputStatePayload{Waiting: false, AutoMode: true})
}

// Deactivate implements Provider.
func (p *ControllerProvider) Deactivate() {
	p.Abort()
	p.emitter.ControllerStatusChanged("inactive")
}

// Abort implements Provider.
func (p *ControllerProvider) Abort() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetInput implements Provider. It resumes the controller with the current
// step's output and returns the instruction the controller emits. An empty
// or missing instruction means advance.
func (p *ControllerProvider) GetInput(ctx context.Context, in Context) (*Result, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	p.emitter.ControllerStatusChanged("thinking")

	prompt := buildTurnPrompt(in)
	output, err := p.runTurn(turnCtx, prompt)
	if err != nil {
		if errors.IsAbort(err) {
			return nil, errors.ErrAborted
		}
		return nil, errors.Wrap(err, "controller turn")
	}

	instruction, ok := directive.ExtractInstruction(output)
	if !ok {
		return &Result{Type: TypeInput, Value: "", Source: "controller"}, nil
	}

	p.emitter.InputReceived(in.StepIndex, "controller")
	return &Result{Type: TypeInput, Value: instruction, Source: "controller"}, nil
}

// buildTurnPrompt frames the step state for the controller.
func buildTurnPrompt(in Context) string {
	if in.StepOutput == "" {
		return fmt.Sprintf("Step %d (%s) is awaiting input. Reply with the next instruction, or an empty reply to advance.", in.StepIndex, in.UniqueAgentID)
	}
	return fmt.Sprintf("Step %d (%s) produced the following output:\n\n%s\n\nReply with the next instruction for this agent, or an empty reply to advance.",
		in.StepIndex, in.UniqueAgentID, in.StepOutput)
}
