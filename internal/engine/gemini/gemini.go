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

// Package gemini adapts the Gemini CLI to the engine contract. The CLI runs
// single-shot with --output-format json; the response document carries the
// text and usage stats.
package gemini

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/process"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

var authEnvVars = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// Engine drives the gemini CLI.
type Engine struct {
	home string
}

// New creates the gemini engine adapter.
func New(home string) *Engine {
	return &Engine{home: home}
}

// Metadata implements engine.Engine.
func (e *Engine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:           "gemini",
		Name:         "Gemini CLI",
		Binary:       "gemini",
		InstallHint:  "install with: npm install -g @google/gemini-cli",
		DefaultModel: "gemini-2.5-pro",
		Models:       []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		SupportsMCP:  false,
	}
}

// geminiResponse is the --output-format json document.
type geminiResponse struct {
	Response  string `json:"response"`
	Error     string `json:"error"`
	SessionID string `json:"sessionId"`
	Stats     struct {
		Models map[string]struct {
			Tokens struct {
				Prompt     int64 `json:"prompt"`
				Candidates int64 `json:"candidates"`
				Cached     int64 `json:"cached"`
			} `json:"tokens"`
		} `json:"models"`
	} `json:"stats"`
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, opts engine.RunOptions) (*engine.Result, error) {
	env := map[string]string{}
	if !engine.SkipAuth() {
		token, source, err := engine.ResolveToken(e.home, "gemini", authEnvVars)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(source, "env:") {
			env["GEMINI_API_KEY"] = token
		}
	}

	args := []string{"--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}

	result, runErr := process.Run(ctx, process.Spec{
		Command:     "gemini",
		Args:        args,
		Env:         env,
		Dir:         opts.WorkingDir,
		Stdin:       opts.Prompt,
		Mode:        process.ModePipe,
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
				Engine:      "gemini",
				ExitCode:    -1,
				Message:     "gemini CLI not found in PATH",
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
			Engine:   "gemini",
			ExitCode: exit,
			Message:  runErr.Error(),
			Stderr:   stderr,
			Cause:    runErr,
		}
	}

	var resp geminiResponse
	if err := json.Unmarshal([]byte(result.Stdout), &resp); err != nil {
		// Older CLI builds emit plain text; pass it through.
		output := strings.TrimSpace(result.Stdout)
		if opts.OnData != nil {
			for _, line := range strings.Split(output, "\n") {
				opts.OnData(line)
			}
		}
		return &engine.Result{Output: output}, nil
	}

	if resp.Error != "" {
		return nil, &errors.EngineError{Engine: "gemini", Message: resp.Error}
	}

	if resp.SessionID != "" && opts.OnSessionID != nil {
		opts.OnSessionID(resp.SessionID)
	}

	telemetry := engine.Telemetry{}
	for _, model := range resp.Stats.Models {
		telemetry.TokensIn += model.Tokens.Prompt
		telemetry.TokensOut += model.Tokens.Candidates
		telemetry.Cached += model.Tokens.Cached
	}
	if opts.OnTelemetry != nil {
		opts.OnTelemetry(telemetry)
	}

	if opts.OnData != nil {
		for _, line := range strings.Split(resp.Response, "\n") {
			opts.OnData(line)
		}
	}

	return &engine.Result{
		Output:    resp.Response,
		SessionID: resp.SessionID,
		Telemetry: telemetry,
	}, nil
}

// IsAuthenticated implements engine.Authenticator.
func (e *Engine) IsAuthenticated() bool {
	if engine.SkipAuth() {
		return true
	}
	_, _, err := engine.ResolveToken(e.home, "gemini", authEnvVars)
	return err == nil
}

// EnsureAuth implements engine.Authenticator.
func (e *Engine) EnsureAuth() error {
	_, _, err := engine.ResolveToken(e.home, "gemini", authEnvVars)
	return err
}

// ClearAuth implements engine.Authenticator.
func (e *Engine) ClearAuth() error {
	return engine.ClearToken(e.home, "gemini")
}
