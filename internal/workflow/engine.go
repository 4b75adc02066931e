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
	"log/slog"

	"github.com/moazbuilds/codemachine/internal/agent"
	"github.com/moazbuilds/codemachine/internal/config"
	"github.com/moazbuilds/codemachine/internal/directive"
	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/internal/input"
	"github.com/moazbuilds/codemachine/internal/signals"
	"github.com/moazbuilds/codemachine/internal/tracking"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// Status is the workflow run outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
)

// Engine drives the template's steps from resume point to completion,
// dispatching directives, loops, checkpoints, and input between steps.
type Engine struct {
	tmpl     *Template
	paths    *config.Paths
	registry *engine.Registry
	runner   *Runner
	tracker  *tracking.Manager
	monitor  *agent.Monitor
	mode     *input.Mode
	emitter  *events.Emitter
	signals  *signals.Manager
	logger   *slog.Logger

	loops         *loopState
	stopRequested bool
}

// NewEngine assembles the workflow engine.
func NewEngine(
	tmpl *Template,
	paths *config.Paths,
	registry *engine.Registry,
	runner *Runner,
	tracker *tracking.Manager,
	monitor *agent.Monitor,
	mode *input.Mode,
	emitter *events.Emitter,
	sigs *signals.Manager,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		tmpl:     tmpl,
		paths:    paths,
		registry: registry,
		runner:   runner,
		tracker:  tracker,
		monitor:  monitor,
		mode:     mode,
		emitter:  emitter,
		signals:  sigs,
		logger:   logger,
		loops:    newLoopState(),
	}
	runner.OnMonitoringID = func(stepIndex, monitoringID int) {
		sigs.SetMonitoringID(stepIndex, monitoringID)
	}
	return e
}

// stepOutcome tells the main loop what a directive dispatch decided.
type stepOutcome int

const (
	outcomeAdvance stepOutcome = iota
	outcomeRewound
	outcomeStop
	outcomeError
	outcomePause
	outcomeSkipChains
)

// Run executes the workflow. The returned status is also reflected in the
// emitted lifecycle events.
func (e *Engine) Run(ctx context.Context) (Status, error) {
	configured := e.setupMCP()
	defer e.cleanupMCP(configured)

	offStop := e.emitter.Bus().On(events.WorkflowStopped, func(events.Event) {
		e.stopRequested = true
	})
	defer offStop()

	e.emitter.WorkflowStarted(e.tmpl.Name)

	if err := e.runControllerView(ctx); err != nil {
		if errors.IsAbort(err) {
			e.emitter.WorkflowStopped(e.tmpl.Name, "stopped during controller view")
			return StatusStopped, nil
		}
		e.emitter.WorkflowErrored(e.tmpl.Name, err.Error())
		return StatusError, err
	}

	resume := e.tracker.GetResumeInfo()
	e.logger.Info("workflow starting",
		"template", e.tmpl.Name,
		"start_index", resume.StartIndex,
		"decision", string(resume.Decision))

	status, err := e.mainLoop(ctx, resume)

	switch status {
	case StatusCompleted:
		e.emitter.WorkflowStatusChanged(e.tmpl.Name, "completed", "")
	case StatusStopped:
		e.emitter.WorkflowStopped(e.tmpl.Name, "")
	case StatusPaused:
		e.emitter.WorkflowStatusChanged(e.tmpl.Name, "paused", "")
	}
	return status, err
}

func (e *Engine) mainLoop(ctx context.Context, resume tracking.ResumeInfo) (Status, error) {
	i := resume.StartIndex
	midChain := resume.Decision == tracking.ResumeFromChain

	for i < len(e.tmpl.Steps) {
		if e.stopRequested || ctx.Err() != nil {
			return StatusStopped, nil
		}

		step := &e.tmpl.Steps[i]

		if step.IsUI() {
			e.emitter.UIElementShown(i, step.Text)
			i++
			continue
		}

		enabled, err := StepEnabled(step, e.tracker.SelectedConditions(), e.tracker.SelectedTrack())
		if err != nil {
			return StatusError, err
		}
		if !enabled {
			e.emitSkipped(i, step, "condition not met")
			i++
			continue
		}

		if e.loops.active.ShouldSkip(step.AgentID) {
			e.emitSkipped(i, step, "on loop skip list")
			i++
			continue
		}

		if step.ExecuteOnce && e.tracker.IsStepCompleted(i) {
			e.emitSkipped(i, step, "already executed")
			i++
			continue
		}

		if err := e.runFallbackIfNeeded(ctx, i, step); err != nil {
			if errors.IsAbort(err) {
				e.logger.Debug("fallback aborted", "step_index", i)
			} else {
				return StatusError, err
			}
		}

		def, err := e.tmpl.Agent(step.AgentID)
		if err != nil {
			return StatusError, err
		}

		stepCtx, release := e.signals.BeginStep(ctx, signals.StepRef{
			StepIndex: i,
			AgentID:   step.AgentID,
			AgentName: def.Name,
		})

		outcome, nextIndex, runErr := e.executeStep(stepCtx, i, step, resume, midChain)
		release()
		// Resume applies to the first executed step only; a later rewind to
		// the same index runs fresh.
		midChain = false
		resume = tracking.ResumeInfo{StartIndex: -1, Decision: tracking.StartFresh}

		if runErr != nil {
			if errors.IsAbort(runErr) {
				if e.stopRequested {
					return StatusStopped, nil
				}
				if e.mode.Paused() {
					return StatusPaused, nil
				}
				// Skip: advance without marking the step complete.
				e.emitSkipped(i, step, "skipped")
				i++
				continue
			}
			e.emitter.WorkflowErrored(e.tmpl.Name, runErr.Error())
			return StatusError, runErr
		}

		switch outcome {
		case outcomeStop:
			return StatusStopped, nil
		case outcomeError:
			return StatusError, nil
		case outcomePause:
			return StatusPaused, nil
		case outcomeRewound:
			i = nextIndex
		default:
			e.emitter.WorkflowStatusChanged(e.tmpl.Name, "running",
				"step "+UniqueAgentID(step.AgentID, i)+" completed")
			i++
		}
	}

	return StatusCompleted, nil
}

// executeStep runs one module step: the initial run (or mid-chain re-entry),
// directive dispatch, and the chained-input loop.
func (e *Engine) executeStep(ctx context.Context, i int, step *Step, resume tracking.ResumeInfo, midChain bool) (stepOutcome, int, error) {
	var result *StepResult
	var queueIndex int
	var err error

	if midChain && resume.StartIndex == i {
		// Mid-chain resume: reopen the saved session and continue the queue
		// without re-running the initial prompt.
		def, defErr := e.tmpl.Agent(step.AgentID)
		if defErr != nil {
			return outcomeError, 0, defErr
		}
		chained, chainErr := e.runner.resolveChained(ctx, def.ChainedPrompts)
		if chainErr != nil {
			return outcomeError, 0, chainErr
		}
		result = &StepResult{
			MonitoringID:   resume.MonitoringID,
			SessionID:      resume.SessionID,
			ChainedPrompts: chained,
			Directive:      directive.ContinueAction(),
		}
		queueIndex = resume.ChainIndex
	} else if resume.Decision == tracking.ResumeFromCrash && resume.StartIndex == i && e.sessionFor(i) != "" {
		data := e.tracker.GetStepData(i)
		result, err = e.runner.ResumeStep(ctx, e.tmpl, i, step, data.MonitoringID, data.SessionID, "")
		if err != nil {
			return outcomeAdvance, 0, err
		}
	} else {
		result, err = e.runner.RunStep(ctx, e.tmpl, i, step)
		if err != nil {
			return outcomeAdvance, 0, err
		}
	}

	outcome, next, err := e.dispatchDirective(ctx, i, step, result)
	if err != nil || outcome != outcomeAdvance {
		if outcome == outcomeSkipChains {
			return e.finishStep(i), 0, nil
		}
		return outcome, next, err
	}

	if len(result.ChainedPrompts) > 0 || queueIndex > 0 {
		outcome, next, err = e.chainedInputLoop(ctx, i, step, result, queueIndex)
		if err != nil || (outcome != outcomeAdvance && outcome != outcomeSkipChains) {
			return outcome, next, err
		}
		return e.finishStep(i), 0, nil
	}

	return e.finishStep(i), 0, nil
}

// finishStep marks the step fully done and returns advance.
func (e *Engine) finishStep(i int) stepOutcome {
	if err := e.tracker.StepCompleted(i); err != nil {
		e.logger.Warn("failed to persist step completion", "step_index", i, "error", err)
	}
	return outcomeAdvance
}

// chainedInputLoop feeds queued prompts and user steering into the step's
// open session until the queue drains and the input source advances.
func (e *Engine) chainedInputLoop(ctx context.Context, i int, step *Step, result *StepResult, queueIndex int) (stepOutcome, int, error) {
	queue := result.ChainedPrompts
	sessionID := result.SessionID
	monitoringID := result.MonitoringID
	output := result.Output

	for {
		if e.stopRequested || ctx.Err() != nil {
			return outcomeStop, 0, nil
		}

		provider := e.mode.ActiveProvider()
		res, err := provider.GetInput(ctx, input.Context{
			StepIndex:     i,
			StepOutput:    output,
			Queue:         queue,
			QueueIndex:    queueIndex,
			WorkingDir:    e.paths.WorkingDir,
			UniqueAgentID: UniqueAgentID(step.AgentID, i),
		})
		if err != nil {
			if errors.IsAbort(err) {
				if e.stopRequested {
					return outcomeStop, 0, nil
				}
				if e.mode.Paused() {
					return outcomePause, 0, nil
				}
				if ctx.Err() == nil {
					// A mode change aborted the outgoing provider; recompute
					// the provider on the next pass.
					continue
				}
				return outcomeSkipChains, 0, nil
			}
			return outcomeAdvance, 0, err
		}

		switch res.Type {
		case input.TypeSkip:
			return outcomeSkipChains, 0, nil
		case input.TypeStop:
			return outcomeStop, 0, nil
		}

		if res.Value == input.SwitchToAutoSentinel {
			// Mode flipped; recompute the provider on the next pass.
			continue
		}

		fromQueue := res.Source == "queue"
		steering := res.Value

		if steering == "" && !fromQueue {
			// Empty input with the queue drained: the step is done.
			return outcomeAdvance, 0, nil
		}

		turn, err := e.runner.ResumeStep(ctx, e.tmpl, i, step, monitoringID, sessionID, steering)
		if err != nil {
			if errors.IsAbort(err) {
				if e.stopRequested {
					return outcomeStop, 0, nil
				}
				if e.mode.Paused() {
					return outcomePause, 0, nil
				}
				return outcomeSkipChains, 0, nil
			}
			return outcomeAdvance, 0, err
		}

		output = turn.Output
		if turn.SessionID != "" {
			sessionID = turn.SessionID
		}

		if fromQueue {
			if err := e.tracker.ChainCompleted(i, queueIndex); err != nil {
				return outcomeAdvance, 0, err
			}
			queueIndex++
		}

		outcome, next, err := e.dispatchDirective(ctx, i, step, turn)
		if err != nil {
			return outcomeAdvance, 0, err
		}
		if outcome == outcomeSkipChains {
			return outcomeSkipChains, 0, nil
		}
		if outcome != outcomeAdvance {
			return outcome, next, nil
		}
	}
}

// dispatchDirective applies one decoded directive in priority order. The
// post-execution order per step is error, trigger, bookkeeping, checkpoint,
// loop.
func (e *Engine) dispatchDirective(ctx context.Context, i int, step *Step, result *StepResult) (stepOutcome, int, error) {
	act := result.Directive

	// The loop record clears when its source step runs clean.
	if active := e.loops.active; active != nil && active.SourceStep == i && act.Kind != directive.Loop {
		e.loops.active = nil
		e.emitter.LoopCleared()
	}

	switch act.Kind {
	case directive.Error:
		e.emitter.WorkflowErrored(e.tmpl.Name, act.Reason)
		return outcomeError, 0, nil

	case directive.Stop:
		e.emitter.WorkflowStopped(e.tmpl.Name, act.Reason)
		return outcomeStop, 0, nil

	case directive.Trigger:
		e.runTriggered(ctx, act, result.MonitoringID)
		return outcomeAdvance, 0, nil

	case directive.Checkpoint:
		return e.awaitCheckpoint(ctx, i, step, act)

	case directive.Loop:
		return e.applyLoop(ctx, i, step, act)

	case directive.Pause:
		// The runner already settled the agent; the run exits resumable.
		e.emitter.WorkflowStatusChanged(e.tmpl.Name, "paused", act.Reason)
		return outcomePause, 0, nil
	}

	return outcomeAdvance, 0, nil
}

// runTriggered spawns the directive's agent as a child of the current
// step's agent and waits for it. A trigger never changes the main step's
// advancement; an aborted child is reported skipped.
func (e *Engine) runTriggered(ctx context.Context, act directive.Action, parentMonitoringID int) {
	def, err := e.tmpl.Agent(act.TriggerAgentID)
	if err != nil {
		e.logger.Warn("trigger directive names unknown agent", "agent", act.TriggerAgentID)
		return
	}

	e.emitter.TriggeredAdded(events.AgentPayload{
		Name:     def.Name,
		ParentID: parentMonitoringID,
	})

	result, err := e.runner.ExecuteAgent(ctx, ExecParams{
		Def:      def,
		ParentID: parentMonitoringID,
	})
	if err != nil {
		if errors.IsAbort(err) {
			e.emitter.SubagentStatusChanged(events.AgentPayload{
				Name:     def.Name,
				ParentID: parentMonitoringID,
				Status:   "skipped",
			})
			return
		}
		e.logger.Warn("triggered agent failed", "agent", act.TriggerAgentID, "error", err)
		return
	}
	e.logger.Info("triggered agent completed",
		"agent", act.TriggerAgentID, "monitoring_id", result.MonitoringID)
}

// awaitCheckpoint emits the checkpoint state and blocks for the external
// continue/quit resolution. The wait is unbounded by design.
func (e *Engine) awaitCheckpoint(ctx context.Context, i int, step *Step, act directive.Action) (stepOutcome, int, error) {
	// Subscribe before announcing so a prompt resolver reacting to the
	// state event cannot win the race.
	resolveC := make(chan string, 1)
	off := e.emitter.Bus().Once(events.CheckpointResolve, func(ev events.Event) {
		if s, ok := ev.Payload.(string); ok {
			select {
			case resolveC <- s:
			default:
			}
		}
	})
	defer off()

	e.emitter.CheckpointReached(events.CheckpointPayload{
		StepIndex: i,
		Agent:     step.AgentID,
		Reason:    act.Reason,
	})

	select {
	case <-ctx.Done():
		e.emitter.CheckpointCleared()
		return outcomeStop, 0, nil
	case resolution := <-resolveC:
		e.emitter.CheckpointCleared()
		if resolution == "quit" {
			e.emitter.WorkflowStopped(e.tmpl.Name, "stopped at checkpoint")
			return outcomeStop, 0, nil
		}
		// Continue: remaining chained prompts are skipped.
		return outcomeSkipChains, 0, nil
	}
}

// applyLoop rewinds the pipeline per the directive, bounded by the module's
// loop behavior, and wipes stale sub-agents of the steps being re-executed.
func (e *Engine) applyLoop(ctx context.Context, i int, step *Step, act directive.Action) (stepOutcome, int, error) {
	stepsBack := act.StepsBack
	maxIterations := act.MaxIterations
	if step.Behavior != nil && step.Behavior.Type == BehaviorLoop {
		if stepsBack == 0 {
			stepsBack = step.Behavior.StepsBack
		}
		if step.Behavior.MaxIterations > 0 {
			maxIterations = step.Behavior.MaxIterations
		}
	}
	if stepsBack <= 0 {
		e.logger.Debug("loop directive without stepsBack treated as continue", "step_index", i)
		return outcomeAdvance, 0, nil
	}

	if e.loops.exceeded(step.AgentID, i, maxIterations) {
		e.logger.Info("loop iteration cap reached, advancing",
			"step_index", i, "max_iterations", maxIterations)
		return e.finishStep(i), 0, nil
	}

	iteration := e.loops.next(step.AgentID, i)
	target := i - stepsBack
	if target < 0 {
		target = 0
	}

	// Wipe descendants of every step being re-executed so their sub-agents
	// are re-created fresh.
	for j := target; j <= i; j++ {
		data := e.tracker.GetStepData(j)
		if data == nil || data.MonitoringID == 0 {
			continue
		}
		if _, err := e.monitor.ClearDescendants(ctx, data.MonitoringID); err != nil {
			e.logger.Debug("failed to clear descendants", "step_index", j, "error", err)
		} else {
			e.emitter.SubagentsCleared(data.MonitoringID)
		}
	}

	e.loops.active = &ActiveLoop{
		SourceAgent:   step.AgentID,
		SourceStep:    i,
		BackSteps:     stepsBack,
		Iteration:     iteration,
		MaxIterations: maxIterations,
		SkipList:      act.SkipList,
		Reason:        act.Reason,
	}
	e.emitter.LoopStateChanged(events.LoopPayload{
		SourceAgent:   step.AgentID,
		BackSteps:     stepsBack,
		Iteration:     iteration,
		MaxIterations: maxIterations,
		SkipList:      act.SkipList,
		Reason:        act.Reason,
	})

	return outcomeRewound, target, nil
}

// runFallbackIfNeeded executes the step's recovery agent when the step is in
// notCompletedSteps, then clears the crash marker. The fallback runs as a
// sub-agent of the step's prior run; its completion does not mark the step
// itself completed.
func (e *Engine) runFallbackIfNeeded(ctx context.Context, i int, step *Step) error {
	fallbackID := step.NotCompletedFallback
	if fallbackID == "" {
		if def, err := e.tmpl.Agent(step.AgentID); err == nil {
			fallbackID = def.NotCompletedFallback
		}
	}
	if fallbackID == "" {
		return nil
	}

	crashed := false
	for _, idx := range e.tracker.GetNotCompletedSteps() {
		if idx == i {
			crashed = true
			break
		}
	}
	if !crashed {
		return nil
	}

	def, err := e.tmpl.Agent(fallbackID)
	if err != nil {
		return err
	}

	parentID := 0
	if data := e.tracker.GetStepData(i); data != nil {
		parentID = data.MonitoringID
	}

	e.logger.Info("running fallback agent", "step_index", i, "fallback", fallbackID)
	if _, err := e.runner.ExecuteAgent(ctx, ExecParams{Def: def, ParentID: parentID}); err != nil {
		return errors.Wrapf(err, "fallback agent %s", fallbackID)
	}

	return e.tracker.RemoveFromNotCompleted(i)
}

// sessionFor returns the persisted session id for a step, if any.
func (e *Engine) sessionFor(i int) string {
	if data := e.tracker.GetStepData(i); data != nil {
		return data.SessionID
	}
	return ""
}

func (e *Engine) emitSkipped(i int, step *Step, reason string) {
	e.emitter.WorkflowStatusChanged(e.tmpl.Name, "running",
		"step "+UniqueAgentID(step.AgentID, i)+" skipped: "+reason)
}

// setupMCP configures per-workspace MCP client config for every engine the
// template references that supports it.
func (e *Engine) setupMCP() []engine.MCPConfigurer {
	var configured []engine.MCPConfigurer
	for _, id := range e.referencedEngines() {
		eng, err := e.registry.Get(id)
		if err != nil {
			continue
		}
		if !eng.Metadata().SupportsMCP {
			continue
		}
		mcpEng, ok := eng.(engine.MCPConfigurer)
		if !ok {
			continue
		}
		if err := mcpEng.ConfigureMCP(e.paths.WorkingDir); err != nil {
			e.logger.Warn("mcp configure failed", "engine", id, "error", err)
			continue
		}
		configured = append(configured, mcpEng)
	}
	return configured
}

func (e *Engine) cleanupMCP(configured []engine.MCPConfigurer) {
	for _, mcpEng := range configured {
		if err := mcpEng.CleanupMCP(e.paths.WorkingDir); err != nil {
			e.logger.Debug("mcp cleanup failed", "error", err)
		}
	}
}

// referencedEngines lists every engine id the template can reach, registry
// default included.
func (e *Engine) referencedEngines() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, def := range e.tmpl.Agents {
		add(def.Engine)
	}
	for _, step := range e.tmpl.Steps {
		add(step.Engine)
	}
	if def, err := e.registry.Default(); err == nil {
		add(def.Metadata().ID)
	}
	return out
}
