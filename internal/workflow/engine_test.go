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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moazbuilds/codemachine/internal/agent"
	"github.com/moazbuilds/codemachine/internal/config"
	"github.com/moazbuilds/codemachine/internal/directive"
	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/internal/input"
	"github.com/moazbuilds/codemachine/internal/prompt"
	"github.com/moazbuilds/codemachine/internal/signals"
	"github.com/moazbuilds/codemachine/internal/tracking"
)

// fakeEngine returns scripted outputs in call order. Outputs containing a
// fenced JSON directive drive the engine's dispatch paths.
type fakeEngine struct {
	mu      sync.Mutex
	outputs []string
	calls   int
	prompts []string
}

func (f *fakeEngine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:           "fake",
		Name:         "Fake Engine",
		Binary:       "fake",
		DefaultModel: "fake-model",
	}
}

func (f *fakeEngine) Run(ctx context.Context, opts engine.RunOptions) (*engine.Result, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.prompts = append(f.prompts, opts.Prompt)
	output := "done"
	if call < len(f.outputs) {
		output = f.outputs[call]
	}
	f.mu.Unlock()

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("sess-%d", call)
	}
	if opts.OnSessionID != nil {
		opts.OnSessionID(sessionID)
	}
	if opts.OnData != nil {
		opts.OnData(output)
	}
	if opts.OnTelemetry != nil {
		opts.OnTelemetry(engine.Telemetry{TokensIn: 10, TokensOut: 5})
	}
	return &engine.Result{
		Output:    output,
		SessionID: sessionID,
		Telemetry: engine.Telemetry{TokensIn: 10, TokensOut: 5},
	}, nil
}

type harness struct {
	engine  *Engine
	fake    *fakeEngine
	tracker *tracking.Manager
	monitor *agent.Monitor
	bus     *events.Bus
	tmpl    *Template
}

func newHarness(t *testing.T, tmpl *Template, outputs []string) *harness {
	t.Helper()

	dir := t.TempDir()
	paths := &config.Paths{
		WorkingDir: dir,
		Workspace:  filepath.Join(dir, config.WorkspaceDirName),
		Home:       filepath.Join(dir, "home"),
		ImportsDir: filepath.Join(dir, "imports"),
		PackageDir: dir,
	}
	require.NoError(t, paths.EnsureWorkspace())

	// Prompt files every agent references.
	for _, def := range tmpl.Agents {
		for _, p := range def.PromptPaths {
			full := filepath.Join(dir, p)
			require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
			require.NoError(t, os.WriteFile(full, []byte("prompt for "+def.ID), 0o644))
		}
	}

	store, err := agent.OpenStore(paths.StateDBPath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	monitor := agent.NewMonitor(store, nil)
	agentLogger := agent.NewLogger(paths.LogsDir())
	t.Cleanup(agentLogger.CloseAll)

	bus := events.NewBus()
	emitter := events.NewEmitter(bus)

	tracker, err := tracking.NewManager(paths.TemplateTrackingPath(), "test.yaml")
	require.NoError(t, err)

	placeholders := prompt.NewProcessor(&config.PlaceholderConfig{
		UserDir:    map[string]string{},
		PackageDir: map[string]string{},
	}, dir, dir, tracker)

	fake := &fakeEngine{outputs: outputs}
	registry := engine.NewRegistry()
	registry.Register(fake)

	decoder := directive.NewDecoder(nil)
	runner := NewRunner(registry, monitor, agentLogger, placeholders, tracker, emitter, decoder, paths, nil)

	userProvider := input.NewUserProvider(emitter)
	controllerProvider := input.NewControllerProvider(emitter, func(context.Context, string) (string, error) {
		return "", nil
	})
	mode := input.NewMode(emitter, userProvider, controllerProvider)
	signalManager := signals.NewManager(mode, monitor, emitter, tmpl.Name, nil)

	eng := NewEngine(tmpl, paths, registry, runner, tracker, monitor, mode, emitter, signalManager, nil)

	return &harness{engine: eng, fake: fake, tracker: tracker, monitor: monitor, bus: bus, tmpl: tmpl}
}

func twoStepTemplate() *Template {
	return &Template{
		Name: "test",
		Agents: []AgentDefinition{
			{ID: "planner", Name: "Planner", PromptPaths: PromptPaths{"prompts/plan.md"}},
			{ID: "coder", Name: "Coder", PromptPaths: PromptPaths{"prompts/code.md"}},
		},
		Steps: []Step{
			{AgentID: "planner"},
			{AgentID: "coder"},
		},
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, twoStepTemplate(), nil)

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	assert.Equal(t, []int{0, 1}, h.tracker.GetCompletedSteps())
	assert.Empty(t, h.tracker.GetNotCompletedSteps())

	records, err := h.monitor.GetAllAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, agent.StatusCompleted, rec.Status)
		assert.False(t, rec.EndTime.IsZero())
		assert.Equal(t, int64(10), rec.Telemetry.TokensIn)
	}
	assert.Equal(t, 2, h.fake.calls)
}

func TestStopDirective(t *testing.T) {
	h := newHarness(t, twoStepTemplate(), []string{
		"stopping here\n```json\n{\"action\": \"stop\", \"reason\": \"enough\"}\n```",
	})

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
	assert.Equal(t, 1, h.fake.calls, "the second step must not execute")
}

func TestErrorDirective(t *testing.T) {
	h := newHarness(t, twoStepTemplate(), []string{
		"```json\n{\"action\": \"error\", \"reason\": \"bad state\"}\n```",
	})

	var errored []events.Event
	h.bus.On(events.WorkflowError, func(e events.Event) { errored = append(errored, e) })

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusError, status)
	assert.NotEmpty(t, errored)
}

func TestUIStepEmitsAndAdvances(t *testing.T) {
	tmpl := twoStepTemplate()
	tmpl.Steps = []Step{
		{Type: StepTypeUI, Text: "--- phase 1 ---"},
		{AgentID: "planner"},
	}
	h := newHarness(t, tmpl, nil)

	var uiEvents []events.Event
	h.bus.On(events.UIElement, func(e events.Event) { uiEvents = append(uiEvents, e) })

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Len(t, uiEvents, 1)
	assert.Equal(t, 1, h.fake.calls)
}

func TestLoopDirectiveRewinds(t *testing.T) {
	tmpl := twoStepTemplate()
	tmpl.Steps[1].Behavior = &Behavior{Type: BehaviorLoop, MaxIterations: 2, StepsBack: 1}

	loopDirective := "```json\n{\"action\": \"loop\", \"stepsBack\": 1}\n```"
	h := newHarness(t, tmpl, []string{
		"plan output", // step 0
		loopDirective, // step 1 -> rewind one step
		"plan again",  // step 0 re-run
		"coder again", // step 1 second run, no loop -> record cleared
	})

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 4, h.fake.calls)
}

func TestLoopMaxIterationsEnforced(t *testing.T) {
	tmpl := twoStepTemplate()
	tmpl.Steps[1].Behavior = &Behavior{Type: BehaviorLoop, MaxIterations: 1, StepsBack: 1}

	loopDirective := "```json\n{\"action\": \"loop\", \"stepsBack\": 1}\n```"
	h := newHarness(t, tmpl, []string{
		"plan output", // step 0
		loopDirective, // step 1: first loop allowed, rewind
		"plan again",  // step 0 re-run
		loopDirective, // step 1: cap reached, ignored, workflow advances
	})

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 4, h.fake.calls)
}

func TestLoopSkipList(t *testing.T) {
	tmpl := &Template{
		Name: "test",
		Agents: []AgentDefinition{
			{ID: "designer", Name: "Designer", PromptPaths: PromptPaths{"prompts/design.md"}},
			{ID: "coder", Name: "Coder", PromptPaths: PromptPaths{"prompts/code.md"}},
		},
		Steps: []Step{
			{AgentID: "designer"},
			{AgentID: "coder", Behavior: &Behavior{Type: BehaviorLoop, MaxIterations: 3, StepsBack: 1}},
		},
	}

	h := newHarness(t, tmpl, []string{
		"design output", // step 0 (designer)
		"```json\n{\"action\": \"loop\", \"stepsBack\": 2, \"skipList\": [\"designer\"]}\n```", // step 1 rewinds to 0
		"coder second run", // designer is skipped, so this is step 1 again
	})

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	// designer ran once; its re-traversal was skipped.
	assert.Equal(t, 3, h.fake.calls)
	assert.Contains(t, h.fake.prompts[0], "designer")
	assert.Contains(t, h.fake.prompts[2], "coder")
}

func TestExecuteOnceSkipsCompletedStep(t *testing.T) {
	tmpl := twoStepTemplate()
	tmpl.Steps[0].ExecuteOnce = true

	h := newHarness(t, tmpl, nil)
	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, 2, h.fake.calls)

	// A second run re-executes only the non-executeOnce step... but all
	// steps completed, so resume continues past the end and nothing runs.
	status, err = h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 2, h.fake.calls)
}

func TestCrashRecoveryResumesHighestUnfinishedStep(t *testing.T) {
	tmpl := twoStepTemplate()
	h := newHarness(t, tmpl, nil)

	// Simulate a crash: step 0 completed, step 1 started but never finished.
	require.NoError(t, h.tracker.StepStarted(0))
	require.NoError(t, h.tracker.StepCompleted(0))
	require.NoError(t, h.tracker.StepStarted(1))

	info := h.tracker.GetResumeInfo()
	require.Equal(t, tracking.ResumeFromCrash, info.Decision)
	require.Equal(t, 1, info.StartIndex)

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	// Only step 1 re-ran.
	assert.Equal(t, 1, h.fake.calls)
	assert.Equal(t, []int{0, 1}, h.tracker.GetCompletedSteps())
}

func TestTriggerDirectiveSpawnsChild(t *testing.T) {
	tmpl := &Template{
		Name: "test",
		Agents: []AgentDefinition{
			{ID: "planner", Name: "Planner", PromptPaths: PromptPaths{"prompts/plan.md"}},
			{ID: "helper", Name: "Helper", PromptPaths: PromptPaths{"prompts/help.md"}},
		},
		Steps: []Step{{AgentID: "planner"}},
	}

	h := newHarness(t, tmpl, []string{
		"```json\n{\"action\": \"trigger\", \"triggerAgentId\": \"helper\"}\n```",
		"helper output",
	})

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 2, h.fake.calls)

	// The helper ran as a child of the step's agent.
	records, err := h.monitor.GetAllAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, records[0].ID, records[1].ParentID)
	// A trigger never blocks advancement.
	assert.Equal(t, []int{0}, h.tracker.GetCompletedSteps())
}

func TestPauseDirectiveExitsResumable(t *testing.T) {
	h := newHarness(t, twoStepTemplate(), []string{
		"```json\n{\"action\": \"pause\", \"reason\": \"waiting for review\"}\n```",
	})

	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)
	assert.Equal(t, 1, h.fake.calls, "the next step must not execute")

	records, err := h.monitor.GetAllAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, agent.StatusPaused, records[0].Status)
	assert.NotEmpty(t, records[0].SessionID)

	// template.json still permits resuming.
	assert.Equal(t, []int{0}, h.tracker.GetNotCompletedSteps())
}

func TestCheckpointContinueAndQuit(t *testing.T) {
	checkpointOutput := "```json\n{\"action\": \"checkpoint\", \"reason\": \"review artifact X\"}\n```"

	t.Run("continue advances", func(t *testing.T) {
		h := newHarness(t, twoStepTemplate(), []string{checkpointOutput})

		h.bus.On(events.CheckpointState, func(events.Event) {
			go h.bus.Emit(events.Event{Type: events.CheckpointResolve, Payload: "continue"})
		})

		status, err := h.engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, status)
		assert.Equal(t, 2, h.fake.calls)
	})

	t.Run("quit stops", func(t *testing.T) {
		h := newHarness(t, twoStepTemplate(), []string{checkpointOutput})

		h.bus.On(events.CheckpointState, func(events.Event) {
			go h.bus.Emit(events.Event{Type: events.CheckpointResolve, Payload: "quit"})
		})

		status, err := h.engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusStopped, status)
		assert.Equal(t, 1, h.fake.calls)
	})
}

func TestConditionGatesStep(t *testing.T) {
	tmpl := twoStepTemplate()
	tmpl.Steps[1].Condition = `"enabled_feature" in conditions`

	h := newHarness(t, tmpl, nil)
	// No conditions selected: step 1 is skipped.
	status, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 1, h.fake.calls)
}
