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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moazbuilds/codemachine/internal/agent"
	"github.com/moazbuilds/codemachine/internal/config"
	"github.com/moazbuilds/codemachine/internal/directive"
	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/internal/prompt"
	"github.com/moazbuilds/codemachine/internal/tracking"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// resumeInstruction is the canned steering used when the user resumes a
// session with empty input.
const resumeInstruction = "Continue from where you left off."

// UniqueAgentID is the stable per-step agent identity; this is its single
// definition.
func UniqueAgentID(agentID string, stepIndex int) string {
	return fmt.Sprintf("%s-step-%d", agentID, stepIndex)
}

// StepResult is the step runner's structured outcome.
type StepResult struct {
	// Output is the agent's final textual output.
	Output string

	// MonitoringID identifies the run in the monitor.
	MonitoringID int

	// SessionID is the engine session, "" if the engine gave none.
	SessionID string

	// ChainedPrompts is the step's resolved prompt queue.
	ChainedPrompts []string

	// Directive is the decoded post-step action.
	Directive directive.Action
}

// Runner executes one module step end-to-end: prompt assembly, monitor and
// logger bookkeeping, the engine run, and directive capture.
type Runner struct {
	registry     *engine.Registry
	monitor      *agent.Monitor
	agentLogger  *agent.Logger
	placeholders *prompt.Processor
	tracker      *tracking.Manager
	emitter      *events.Emitter
	decoder      *directive.Decoder
	paths        *config.Paths
	logger       *slog.Logger

	// OnMonitoringID, when set, is told the step's monitoring id as soon as
	// it exists (the signal manager uses this).
	OnMonitoringID func(stepIndex, monitoringID int)
}

// NewRunner creates the step runner.
func NewRunner(
	registry *engine.Registry,
	monitor *agent.Monitor,
	agentLogger *agent.Logger,
	placeholders *prompt.Processor,
	tracker *tracking.Manager,
	emitter *events.Emitter,
	decoder *directive.Decoder,
	paths *config.Paths,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:     registry,
		monitor:      monitor,
		agentLogger:  agentLogger,
		placeholders: placeholders,
		tracker:      tracker,
		emitter:      emitter,
		decoder:      decoder,
		paths:        paths,
		logger:       logger,
	}
}

// RunStep executes a module step from the beginning of a fresh session.
func (r *Runner) RunStep(ctx context.Context, tmpl *Template, stepIndex int, step *Step) (*StepResult, error) {
	def, err := tmpl.Agent(step.AgentID)
	if err != nil {
		return nil, err
	}

	if err := r.tracker.StepStarted(stepIndex); err != nil {
		return nil, err
	}

	eng, err := r.registry.Resolve(step.Engine, def.Engine)
	if err != nil {
		return nil, err
	}
	model := resolveModel(step.Model, def.Model, eng)
	effort := resolveEffort(def.ModelReasoningEffort, eng)

	promptText, err := r.assemblePrompt(ctx, step.PromptPaths, def.PromptPaths)
	if err != nil {
		return nil, err
	}

	monitoringID, err := r.register(ctx, agent.RegisterSpec{
		Name:      def.Name,
		Prompt:    promptText,
		Engine:    eng.Metadata().ID,
		ModelName: model,
	}, stepIndex, promptText)
	if err != nil {
		return nil, err
	}

	result, runErr := r.drive(ctx, eng, engine.RunOptions{
		Prompt:          promptText,
		WorkingDir:      r.paths.WorkingDir,
		Model:           model,
		ReasoningEffort: effort,
	}, monitoringID, stepIndex)
	if runErr != nil {
		return nil, runErr
	}

	chained, err := r.resolveChained(ctx, def.ChainedPrompts)
	if err != nil {
		return nil, err
	}

	act := r.decoder.Decode(r.paths.WorkingDir, result.Output)
	if err := r.settleOutcome(ctx, monitoringID, act, result.Telemetry); err != nil {
		return nil, err
	}

	return &StepResult{
		Output:         result.Output,
		MonitoringID:   monitoringID,
		SessionID:      result.SessionID,
		ChainedPrompts: chained,
		Directive:      act,
	}, nil
}

// ResumeStep re-enters an existing step session with new user steering.
// Empty steering becomes the canned continue instruction.
func (r *Runner) ResumeStep(ctx context.Context, tmpl *Template, stepIndex int, step *Step, monitoringID int, sessionID, steering string) (*StepResult, error) {
	def, err := tmpl.Agent(step.AgentID)
	if err != nil {
		return nil, err
	}

	eng, err := r.registry.Resolve(step.Engine, def.Engine)
	if err != nil {
		return nil, err
	}
	model := resolveModel(step.Model, def.Model, eng)

	if steering == "" {
		steering = resumeInstruction
	}

	if err := r.monitor.MarkRunning(ctx, monitoringID); err != nil {
		return nil, err
	}
	r.emitter.AgentReset(events.AgentPayload{
		MonitoringID: monitoringID,
		Name:         def.Name,
		Status:       string(agent.StatusRunning),
	})
	if err := r.agentLogger.WriteLine(monitoringID, "\n>>> "+steering); err != nil {
		r.logger.Debug("failed to log steering", "monitoring_id", monitoringID, "error", err)
	}

	result, runErr := r.drive(ctx, eng, engine.RunOptions{
		Prompt:          steering,
		WorkingDir:      r.paths.WorkingDir,
		Model:           model,
		ReasoningEffort: resolveEffort(def.ModelReasoningEffort, eng),
		SessionID:       sessionID,
	}, monitoringID, stepIndex)
	if runErr != nil {
		return nil, runErr
	}

	sid := result.SessionID
	if sid == "" {
		sid = sessionID
	}
	if err := r.tracker.UpdateStepSession(stepIndex, sid, monitoringID); err != nil {
		return nil, err
	}

	act := r.decoder.Decode(r.paths.WorkingDir, result.Output)
	if err := r.settleOutcome(ctx, monitoringID, act, result.Telemetry); err != nil {
		return nil, err
	}

	return &StepResult{
		Output:       result.Output,
		MonitoringID: monitoringID,
		SessionID:    sid,
		Directive:    act,
	}, nil
}

// ExecParams parameterizes a triggered or fallback agent run.
type ExecParams struct {
	// Def is the agent to execute.
	Def *AgentDefinition

	// ParentID attaches the run under an existing monitoring id; zero runs
	// it as a root agent.
	ParentID int

	// EngineOverride and ModelOverride take precedence over the agent's
	// defaults.
	EngineOverride string
	ModelOverride  string
}

// ExecuteAgent runs an agent outside the pipeline bookkeeping: triggered
// agents and fallback agents. It never modifies template.json.
func (r *Runner) ExecuteAgent(ctx context.Context, params ExecParams) (*StepResult, error) {
	eng, err := r.registry.Resolve(params.EngineOverride, params.Def.Engine)
	if err != nil {
		return nil, err
	}
	model := resolveModel(params.ModelOverride, params.Def.Model, eng)

	promptText, err := r.assemblePrompt(ctx, nil, params.Def.PromptPaths)
	if err != nil {
		return nil, err
	}

	monitoringID, err := r.register(ctx, agent.RegisterSpec{
		Name:      params.Def.Name,
		Prompt:    promptText,
		ParentID:  params.ParentID,
		Engine:    eng.Metadata().ID,
		ModelName: model,
	}, -1, promptText)
	if err != nil {
		return nil, err
	}

	result, runErr := r.drive(ctx, eng, engine.RunOptions{
		Prompt:          promptText,
		WorkingDir:      r.paths.WorkingDir,
		Model:           model,
		ReasoningEffort: resolveEffort(params.Def.ModelReasoningEffort, eng),
	}, monitoringID, -1)
	if runErr != nil {
		return nil, runErr
	}

	act := r.decoder.Decode(r.paths.WorkingDir, result.Output)
	if err := r.settleOutcome(ctx, monitoringID, act, result.Telemetry); err != nil {
		return nil, err
	}

	return &StepResult{
		Output:       result.Output,
		MonitoringID: monitoringID,
		SessionID:    result.SessionID,
		Directive:    act,
	}, nil
}

// ResumeSession re-enters an arbitrary agent session (the controller's
// conversation turns). The record is left running on success; the caller
// owns its terminal transition.
func (r *Runner) ResumeSession(ctx context.Context, monitoringID int, engineID, model, sessionID, promptText string) (*engine.Result, error) {
	eng, err := r.registry.Get(engineID)
	if err != nil {
		return nil, err
	}

	if err := r.monitor.MarkRunning(ctx, monitoringID); err != nil {
		return nil, err
	}
	r.emitter.AgentReset(events.AgentPayload{
		MonitoringID: monitoringID,
		Status:       string(agent.StatusRunning),
	})
	if err := r.agentLogger.WriteLine(monitoringID, "\n>>> "+promptText); err != nil {
		r.logger.Debug("failed to log controller turn", "monitoring_id", monitoringID, "error", err)
	}

	result, runErr := r.run(ctx, eng, engine.RunOptions{
		Prompt:     promptText,
		WorkingDir: r.paths.WorkingDir,
		Model:      model,
		SessionID:  sessionID,
	}, monitoringID, -1, false)
	if runErr != nil {
		r.settleFailure(ctx, monitoringID, runErr)
		return nil, runErr
	}
	return result, nil
}

// register creates the monitor record, opens its log, stores the full
// prompt, and propagates the monitoring id to the UI immediately so log
// streaming can start.
func (r *Runner) register(ctx context.Context, spec agent.RegisterSpec, stepIndex int, fullPrompt string) (int, error) {
	// The path needs the id; register first with a placeholder, then open.
	monitoringID, err := r.monitor.Register(ctx, spec, "")
	if err != nil {
		return 0, err
	}

	logPath := r.agentLogger.LogPath(monitoringID, spec.Name)
	if err := r.agentLogger.Open(monitoringID, logPath); err != nil {
		return 0, err
	}
	if err := r.monitor.SetLogPath(ctx, monitoringID, logPath); err != nil {
		return 0, err
	}

	payload := events.AgentPayload{
		MonitoringID: monitoringID,
		Name:         spec.Name,
		ParentID:     spec.ParentID,
		Engine:       spec.Engine,
		Model:        spec.ModelName,
		Status:       string(agent.StatusRunning),
	}
	if spec.ParentID != 0 {
		r.emitter.SubagentAdded(payload)
	} else {
		r.emitter.AgentAdded(payload)
	}
	r.emitter.MonitoringRegistered(monitoringID, spec.Name, logPath)

	if r.OnMonitoringID != nil && stepIndex >= 0 {
		r.OnMonitoringID(stepIndex, monitoringID)
	}

	if err := r.agentLogger.StoreFullPrompt(monitoringID, fullPrompt); err != nil {
		r.logger.Debug("failed to store prompt header", "monitoring_id", monitoringID, "error", err)
	}

	return monitoringID, nil
}

// drive runs the engine; on error the monitor record is settled to paused
// or failed per resumability.
func (r *Runner) drive(ctx context.Context, eng engine.Engine, opts engine.RunOptions, monitoringID, stepIndex int) (*engine.Result, error) {
	result, runErr := r.run(ctx, eng, opts, monitoringID, stepIndex, stepIndex >= 0)
	if runErr != nil {
		r.settleFailure(ctx, monitoringID, runErr)
		return nil, runErr
	}
	return result, nil
}

// settleOutcome applies the terminal transition after a successful run. A
// pause directive yields the resumable paused state (or failed when no
// session exists); anything else completes the record.
func (r *Runner) settleOutcome(ctx context.Context, monitoringID int, act directive.Action, telemetry engine.Telemetry) error {
	if act.Kind == directive.Pause {
		rec, err := r.monitor.GetAgent(ctx, monitoringID)
		if err != nil {
			return err
		}
		if rec.SessionID != "" {
			if err := r.monitor.MarkPaused(ctx, monitoringID); err != nil {
				return err
			}
			r.emitter.AgentStatusChanged(events.AgentPayload{
				MonitoringID: monitoringID,
				Status:       string(agent.StatusPaused),
			})
			return nil
		}
		if err := r.monitor.Fail(ctx, monitoringID, errors.New("pause requested without a resumable session")); err != nil {
			return err
		}
		r.emitter.AgentStatusChanged(events.AgentPayload{
			MonitoringID: monitoringID,
			Status:       string(agent.StatusFailed),
		})
		return nil
	}

	converted := agent.Telemetry(telemetry)
	var final *agent.Telemetry
	if !converted.IsZero() {
		final = &converted
	}
	if err := r.monitor.Complete(ctx, monitoringID, final); err != nil {
		return err
	}
	r.emitter.AgentStatusChanged(events.AgentPayload{
		MonitoringID: monitoringID,
		Status:       string(agent.StatusCompleted),
	})
	return nil
}

// run wires the engine callbacks: every line goes to the log and the bus,
// telemetry to monitor and bus, the session id to monitor and tracker.
func (r *Runner) run(ctx context.Context, eng engine.Engine, opts engine.RunOptions, monitoringID, stepIndex int, persistSession bool) (*engine.Result, error) {
	opts.OnData = func(line string) {
		if err := r.agentLogger.WriteLine(monitoringID, line); err != nil {
			r.logger.Debug("agent log write failed", "monitoring_id", monitoringID, "error", err)
		}
		r.emitter.MessageLogged(monitoringID, line)
	}
	opts.OnErrorData = func(line string) {
		if err := r.agentLogger.WriteLine(monitoringID, "[stderr] "+line); err == nil {
			r.emitter.MessageLogged(monitoringID, line)
		}
	}
	opts.OnTelemetry = func(t engine.Telemetry) {
		if err := r.monitor.UpdateTelemetry(ctx, monitoringID, agent.Telemetry(t)); err != nil {
			r.logger.Debug("telemetry update failed", "monitoring_id", monitoringID, "error", err)
		}
		r.emitter.AgentTelemetry(events.TelemetryPayload{
			MonitoringID: monitoringID,
			TokensIn:     t.TokensIn,
			TokensOut:    t.TokensOut,
			Cached:       t.Cached,
			CostUSD:      t.CostUSD,
			DurationMS:   t.DurationMS,
		}, false)
	}
	opts.OnSessionID = func(sessionID string) {
		if err := r.monitor.SetSessionID(ctx, monitoringID, sessionID); err != nil {
			r.logger.Debug("session id update failed", "monitoring_id", monitoringID, "error", err)
		}
		if persistSession && stepIndex >= 0 {
			if err := r.tracker.StepSessionInitialized(stepIndex, sessionID, monitoringID); err != nil {
				r.logger.Debug("session persistence failed", "step_index", stepIndex, "error", err)
			}
		}
	}

	result, err := eng.Run(ctx, opts)
	if err != nil {
		return nil, err
	}

	// Final telemetry always reaches subscribers.
	r.emitter.AgentTelemetry(events.TelemetryPayload{
		MonitoringID: monitoringID,
		TokensIn:     result.Telemetry.TokensIn,
		TokensOut:    result.Telemetry.TokensOut,
		Cached:       result.Telemetry.Cached,
		CostUSD:      result.Telemetry.CostUSD,
		DurationMS:   result.Telemetry.DurationMS,
	}, true)

	return result, nil
}

// settleFailure translates a run error into the paused/failed transition:
// paused when the record is resumable, failed otherwise. The record is never
// marked complete on a throw.
func (r *Runner) settleFailure(ctx context.Context, monitoringID int, runErr error) {
	rec, err := r.monitor.GetAgent(ctx, monitoringID)
	if err != nil {
		r.logger.Debug("failed to load agent for failure transition",
			"monitoring_id", monitoringID, "error", err)
		return
	}

	if rec.SessionID != "" {
		if err := r.monitor.MarkPaused(ctx, monitoringID); err == nil {
			r.emitter.AgentStatusChanged(events.AgentPayload{
				MonitoringID: monitoringID,
				Status:       string(agent.StatusPaused),
			})
			return
		}
	}

	if err := r.monitor.Fail(ctx, monitoringID, runErr); err != nil {
		r.logger.Debug("failed to mark agent failed", "monitoring_id", monitoringID, "error", err)
	}
	r.emitter.AgentStatusChanged(events.AgentPayload{
		MonitoringID: monitoringID,
		Status:       string(agent.StatusFailed),
		Error:        runErr.Error(),
	})
}

// assemblePrompt loads the prompt files (step overrides win), joins them
// with two blank lines, and resolves placeholders.
func (r *Runner) assemblePrompt(ctx context.Context, stepPaths, agentPaths PromptPaths) (string, error) {
	paths := stepPaths
	if len(paths) == 0 {
		paths = agentPaths
	}
	if len(paths) == 0 {
		return "", &errors.ValidationError{
			Field:   "promptPath",
			Message: "agent has no prompt paths",
		}
	}

	var parts []string
	for _, p := range paths {
		resolved, err := r.resolvePromptPath(p)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", errors.Wrapf(err, "loading prompt %s", resolved)
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}

	return r.placeholders.Process(ctx, strings.Join(parts, "\n\n\n"))
}

// resolvePromptPath checks the imports dir first, then the working dir.
func (r *Runner) resolvePromptPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	imported := filepath.Join(r.paths.ImportsDir, path)
	if _, err := os.Stat(imported); err == nil {
		return imported, nil
	}
	local := filepath.Join(r.paths.WorkingDir, path)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	return "", &errors.NotFoundError{Resource: "prompt file", ID: path}
}

// resolveChained placeholder-processes the agent's chained prompts.
func (r *Runner) resolveChained(ctx context.Context, raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]string, len(raw))
	for i, p := range raw {
		resolved, err := r.placeholders.Process(ctx, p)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func resolveModel(stepModel, agentModel string, eng engine.Engine) string {
	if stepModel != "" {
		return stepModel
	}
	if agentModel != "" {
		return agentModel
	}
	return eng.Metadata().DefaultModel
}

func resolveEffort(agentEffort string, eng engine.Engine) string {
	if agentEffort != "" {
		return agentEffort
	}
	return eng.Metadata().DefaultReasoningEffort
}
