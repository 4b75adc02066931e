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

package workflow

import (
	"context"
	"strings"

	"github.com/moazbuilds/codemachine/internal/agent"
	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/internal/input"
	"github.com/moazbuilds/codemachine/internal/tracking"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// controllerEngineAndModel resolves the controller's engine and model from
// the declaration's options, falling back to the agent definition.
func controllerEngineAndModel(tmpl *Template, registry *engine.Registry) (engine.Engine, string, error) {
	def, err := tmpl.Agent(tmpl.Controller.AgentID)
	if err != nil {
		return nil, "", err
	}
	eng, err := registry.Resolve(tmpl.Controller.Options.Engine, def.Engine)
	if err != nil {
		return nil, "", err
	}
	return eng, resolveModel(tmpl.Controller.Options.Model, def.Model, eng), nil
}

// NewControllerTurnRunner builds the TurnRunner the controller input
// provider uses: each call resumes the persisted controller session with the
// given prompt and returns its output.
func NewControllerTurnRunner(runner *Runner, tracker *tracking.Manager, tmpl *Template, registry *engine.Registry) input.TurnRunner {
	return func(ctx context.Context, promptText string) (string, error) {
		cfg := tracker.Controller()
		if cfg == nil || cfg.SessionID == "" {
			return "", errors.New("controller session not initialized")
		}
		if tmpl.Controller == nil {
			return "", errors.New("template declares no controller")
		}

		eng, model, err := controllerEngineAndModel(tmpl, registry)
		if err != nil {
			return "", err
		}

		result, err := runner.ResumeSession(ctx, cfg.MonitoringID, eng.Metadata().ID, model, cfg.SessionID, promptText)
		if err != nil {
			return "", err
		}

		if result.SessionID != "" && result.SessionID != cfg.SessionID {
			if err := tracker.SetController(tracking.ControllerConfig{
				AgentID:      cfg.AgentID,
				SessionID:    result.SessionID,
				MonitoringID: cfg.MonitoringID,
			}); err != nil {
				return "", err
			}
		}
		return result.Output, nil
	}
}

// runControllerView runs the one-time controller onboarding conversation:
// the controller is initialized, the user converses with it until they
// signal continue, then autonomous mode takes over.
func (e *Engine) runControllerView(ctx context.Context) error {
	if e.tmpl.Controller == nil || e.tracker.Controller() != nil {
		return nil
	}

	if err := e.tracker.SetAutonomousMode(tracking.AutoModeNever); err != nil {
		return err
	}
	e.emitter.ViewChanged("controller")

	def, err := e.tmpl.Agent(e.tmpl.Controller.AgentID)
	if err != nil {
		return err
	}
	eng, model, err := controllerEngineAndModel(e.tmpl, e.registry)
	if err != nil {
		return err
	}

	promptText, err := e.runner.assemblePrompt(ctx, nil, def.PromptPaths)
	if err != nil {
		return err
	}

	monitoringID, err := e.runner.register(ctx, agent.RegisterSpec{
		Name:      def.Name,
		Prompt:    promptText,
		Engine:    eng.Metadata().ID,
		ModelName: model,
	}, -1, promptText)
	if err != nil {
		return err
	}

	result, err := e.runner.run(ctx, eng, engine.RunOptions{
		Prompt:     promptText,
		WorkingDir: e.paths.WorkingDir,
		Model:      model,
	}, monitoringID, -1, false)
	if err != nil {
		e.runner.settleFailure(ctx, monitoringID, err)
		return err
	}

	sessionID := result.SessionID
	if err := e.tracker.SetController(tracking.ControllerConfig{
		AgentID:      def.ID,
		SessionID:    sessionID,
		MonitoringID: monitoringID,
	}); err != nil {
		return err
	}
	e.emitter.ControllerInfoChanged(def.ID, sessionID, monitoringID)

	if err := e.controllerConversation(ctx, eng, model, monitoringID, &sessionID); err != nil {
		return err
	}

	if err := e.tracker.SetAutonomousMode(tracking.AutoModeTrue); err != nil {
		return err
	}
	e.mode.SetAutoMode(true)
	e.emitter.ViewChanged("executing")
	return nil
}

// controllerConversation loops: announce awaiting, take a user message,
// resume the controller with it, until the user continues with an empty
// message or an explicit continue.
func (e *Engine) controllerConversation(ctx context.Context, eng engine.Engine, model string, monitoringID int, sessionID *string) error {
	bus := e.emitter.Bus()

	for {
		msgC := make(chan input.Message, 1)
		off := bus.Once(events.InputMessage, func(ev events.Event) {
			if msg, ok := ev.Payload.(input.Message); ok {
				select {
				case msgC <- msg:
				default:
				}
			}
		})

		e.emitter.ControllerStatusChanged("awaiting")
		e.emitter.InputWaiting(-1)

		var msg input.Message
		select {
		case <-ctx.Done():
			off()
			return errors.ErrAborted
		case msg = <-msgC:
			off()
		}

		prompt := strings.TrimSpace(msg.Prompt)
		if msg.Stop {
			return errors.ErrAborted
		}
		if prompt == "" || strings.EqualFold(prompt, "continue") {
			return nil
		}

		result, err := e.runner.ResumeSession(ctx, monitoringID, eng.Metadata().ID, model, *sessionID, prompt)
		if err != nil {
			return err
		}
		if result.SessionID != "" {
			*sessionID = result.SessionID
			if err := e.tracker.SetController(tracking.ControllerConfig{
				AgentID:      e.tmpl.Controller.AgentID,
				SessionID:    result.SessionID,
				MonitoringID: monitoringID,
			}); err != nil {
				return err
			}
		}
	}
}
