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

// Package run implements the run command: it assembles every engine
// collaborator and executes a workflow template.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moazbuilds/codemachine/internal/agent"
	"github.com/moazbuilds/codemachine/internal/cli"
	"github.com/moazbuilds/codemachine/internal/config"
	"github.com/moazbuilds/codemachine/internal/directive"
	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/engine/claude"
	"github.com/moazbuilds/codemachine/internal/engine/codex"
	"github.com/moazbuilds/codemachine/internal/engine/gemini"
	"github.com/moazbuilds/codemachine/internal/engine/mistral"
	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/internal/input"
	"github.com/moazbuilds/codemachine/internal/log"
	"github.com/moazbuilds/codemachine/internal/mcp"
	"github.com/moazbuilds/codemachine/internal/prompt"
	"github.com/moazbuilds/codemachine/internal/signals"
	"github.com/moazbuilds/codemachine/internal/telemetry"
	"github.com/moazbuilds/codemachine/internal/tracking"
	"github.com/moazbuilds/codemachine/internal/workflow"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		engineFlag string
		freshStart bool
	)

	cmd := &cobra.Command{
		Use:   "run <template>",
		Short: "Execute a workflow template",
		Long: `Execute a workflow template. The template argument is a path to a
template YAML file, or a name resolved against .codemachine/templates/.

Progress persists in .codemachine/template.json; re-running the same
template resumes from the last step, a crashed step, or mid-chain.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), args[0], engineFlag, freshStart)
		},
	}

	cmd.Flags().StringVar(&engineFlag, "engine", "", "Default engine (claude, codex, gemini, mistral)")
	cmd.Flags().BoolVar(&freshStart, "fresh", false, "Ignore persisted progress and start from step 0")

	return cmd
}

func runWorkflow(ctx context.Context, templateArg, engineFlag string, freshStart bool) error {
	paths, err := config.Resolve()
	if err != nil {
		return err
	}
	if err := paths.EnsureWorkspace(); err != nil {
		return err
	}

	logger := log.New(log.FromEnv(paths.Home))

	templatePath := resolveTemplatePath(paths, templateArg)
	tmpl, err := workflow.LoadTemplate(templatePath)
	if err != nil {
		return err
	}

	tracker, err := tracking.NewManager(paths.TemplateTrackingPath(), filepath.Base(templatePath))
	if err != nil {
		return err
	}
	if freshStart {
		if err := tracker.SetResumeFromLastStep(false); err != nil {
			return err
		}
	}

	if err := runOnboarding(tmpl, tracker, paths.WorkingDir); err != nil {
		return err
	}

	version, _, _ := cli.GetVersion()
	telemetryProvider, err := telemetry.Init(ctx, paths.TracesDir(), version)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without export", "error", err)
	}
	defer telemetryProvider.Shutdown(context.Background())

	store, err := agent.OpenStore(paths.StateDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	monitor := agent.NewMonitor(store, logger)
	agentLogger := agent.NewLogger(paths.LogsDir())
	defer agentLogger.CloseAll()

	bus := events.NewBus()
	emitter := events.NewEmitter(bus)

	if telemetryProvider != nil {
		recorder, recErr := telemetry.NewRecorder(bus)
		if recErr != nil {
			logger.Warn("metrics recorder init failed", "error", recErr)
		} else {
			defer recorder.Close()
		}
	}

	placeholderCfg, err := config.LoadPlaceholderConfig(filepath.Join(paths.Workspace, "placeholders.yaml"))
	if err != nil {
		return err
	}
	placeholders := prompt.NewProcessor(placeholderCfg, paths.WorkingDir, paths.PackageDir, tracker)

	registry := engine.NewRegistry()
	registry.Register(claude.New(paths.Home))
	registry.Register(codex.New(paths.Home))
	registry.Register(gemini.New(paths.Home))
	registry.Register(mistral.New(paths.Home))
	if engineFlag != "" {
		if err := registry.SetDefault(engineFlag); err != nil {
			return err
		}
	}

	mcpCfg, err := mcp.LoadConfig(paths.MCPConfigPath())
	if err != nil {
		return err
	}
	mcpManager := mcp.NewManager(mcpCfg.Servers, logger)
	mcpManager.ConnectAll(ctx)
	defer mcpManager.DisconnectAll()

	if watcher, werr := mcp.NewWatcher(mcpManager, paths.MCPConfigPath(), logger); werr == nil {
		go watcher.Run(ctx)
	} else {
		logger.Debug("mcp config watcher unavailable", "error", werr)
	}

	decoder := directive.NewDecoder(logger)
	runner := workflow.NewRunner(registry, monitor, agentLogger, placeholders, tracker, emitter, decoder, paths, logger)

	userProvider := input.NewUserProvider(emitter)
	controllerProvider := input.NewControllerProvider(emitter,
		workflow.NewControllerTurnRunner(runner, tracker, tmpl, registry))
	mode := input.NewMode(emitter, userProvider, controllerProvider)

	signalManager := signals.NewManager(mode, monitor, emitter, tmpl.Name, logger)

	front := newFrontend(emitter)
	stopFrontend := front.start(ctx)
	defer stopFrontend()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	installInterruptHandler(runCtx, cancel, signalManager, logger)

	eng := workflow.NewEngine(tmpl, paths, registry, runner, tracker, monitor, mode, emitter, signalManager, logger)

	status, runErr := eng.Run(runCtx)
	switch status {
	case workflow.StatusCompleted:
		fmt.Fprintln(os.Stderr, "workflow completed")
		return nil
	case workflow.StatusStopped:
		fmt.Fprintln(os.Stderr, "workflow stopped")
		return nil
	case workflow.StatusPaused:
		fmt.Fprintln(os.Stderr, "workflow paused; run again to resume")
		return nil
	default:
		if runErr != nil {
			return runErr
		}
		return errors.New("workflow failed")
	}
}

// installInterruptHandler maps SIGINT/SIGTERM onto a graceful stop; a second
// signal cancels hard.
func installInterruptHandler(ctx context.Context, cancel context.CancelFunc, signalManager *signals.Manager, logger *slog.Logger) {
	sigC := make(chan os.Signal, 2)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-sigC:
			logger.Info("interrupt received, stopping gracefully")
			signalManager.BeginShutdown()
			signalManager.Stop(ctx)
		}
		select {
		case <-ctx.Done():
		case <-sigC:
			cancel()
		}
	}()
}

// resolveTemplatePath accepts a direct path or a name under the workspace
// templates directory.
func resolveTemplatePath(paths *config.Paths, arg string) string {
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	candidate := filepath.Join(paths.Workspace, "templates", arg)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return filepath.Join(paths.Workspace, "templates", arg+".yaml")
}
