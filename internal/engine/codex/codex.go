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

// Package codex adapts the Codex CLI to the engine contract. Codex exec is
// single-shot: the first turn runs "codex exec --json", later turns resume
// with "codex exec resume --json <thread_id>". The thread id doubles as the
// session id.
package codex

import (
	"context"
	"strings"

	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/process"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

var authEnvVars = []string{"OPENAI_API_KEY", "CODEX_API_KEY"}

// Engine drives the codex CLI.
type Engine struct {
	home string
}

// New creates the codex engine adapter.
func New(home string) *Engine {
	return &Engine{home: home}
}

// Metadata implements engine.Engine.
func (e *Engine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:           "codex",
		Name:         "Codex",
		Binary:       "codex",
		InstallHint:  "install with: npm install -g @openai/codex",
		DefaultModel: "gpt-5-codex",
		Models:       []string{"gpt-5-codex", "gpt-5", "o4-mini"},
		DefaultReasoningEffort: engine.EffortMedium,
		SupportsMCP:            true,
	}
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, opts engine.RunOptions) (*engine.Result, error) {
	env := map[string]string{}
	if !engine.SkipAuth() {
		token, source, err := engine.ResolveToken(e.home, "codex", authEnvVars)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(source, "env:") {
			env["OPENAI_API_KEY"] = token
		}
	}

	args := []string{"exec"}
	if opts.SessionID != "" {
		args = append(args, "resume", opts.SessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check", "--full-auto")
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "-c", "model_reasoning_effort="+opts.ReasoningEffort)
	}
	args = append(args, opts.Prompt)

	parser := newEventParser(opts)

	result, runErr := process.Run(ctx, process.Spec{
		Command:     "codex",
		Args:        args,
		Env:         env,
		Dir:         opts.WorkingDir,
		Mode:        process.ModePipe,
		OnStdout:    parser.ParseLine,
		OnStderr:    opts.OnErrorData,
		Timeout:     opts.Timeout,
		InstallHint: e.Metadata().InstallHint,
	})
	if runErr != nil {
		if errors.IsAbort(runErr) {
			return nil, runErr
		}
		var notFound *process.NotFoundError
		if errors.As(runErr, &notFound) {
			return nil, &errors.EngineError{
				Engine:      "codex",
				ExitCode:    -1,
				Message:     "codex CLI not found in PATH",
				InstallHint: e.Metadata().InstallHint,
				Cause:       runErr,
			}
		}
		stderr := ""
		exit := -1
		if result != nil {
			stderr = result.Stderr
			exit = result.ExitCode
		}
		return nil, &errors.EngineError{
			Engine:   "codex",
			ExitCode: exit,
			Message:  parser.BestErrorMessage(runErr.Error()),
			Stderr:   stderr,
			Cause:    runErr,
		}
	}

	if msg := parser.StreamError(); msg != "" {
		return nil, &errors.EngineError{Engine: "codex", Message: msg}
	}

	return parser.Result(), nil
}

// IsAuthenticated implements engine.Authenticator.
func (e *Engine) IsAuthenticated() bool {
	if engine.SkipAuth() {
		return true
	}
	_, _, err := engine.ResolveToken(e.home, "codex", authEnvVars)
	return err == nil
}

// EnsureAuth implements engine.Authenticator.
func (e *Engine) EnsureAuth() error {
	_, _, err := engine.ResolveToken(e.home, "codex", authEnvVars)
	return err
}

// ClearAuth implements engine.Authenticator.
func (e *Engine) ClearAuth() error {
	return engine.ClearToken(e.home, "codex")
}
