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

// Package mistral adapts the Mistral "vibe" CLI to the engine contract.
package mistral

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/process"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

var authEnvVars = []string{"MISTRAL_API_KEY"}

// Engine drives the vibe CLI.
type Engine struct {
	home string
}

// New creates the mistral engine adapter.
func New(home string) *Engine {
	return &Engine{home: home}
}

// Metadata implements engine.Engine.
func (e *Engine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:           "mistral",
		Name:         "Mistral Vibe",
		Binary:       "vibe",
		InstallHint:  "install with: pip install mistral-vibe",
		DefaultModel: "devstral-medium-latest",
		Models:       []string{"devstral-medium-latest", "devstral-small-latest"},
		SupportsMCP:  false,
	}
}

// vibeResponse is the --json result document.
type vibeResponse struct {
	Output    string `json:"output"`
	Error     string `json:"error"`
	SessionID string `json:"session_id"`
	Usage     struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, opts engine.RunOptions) (*engine.Result, error) {
	env := map[string]string{}
	if !engine.SkipAuth() {
		token, source, err := engine.ResolveToken(e.home, "mistral", authEnvVars)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(source, "env:") {
			env["MISTRAL_API_KEY"] = token
		}
	}

	args := []string{"run", "--json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--session", opts.SessionID)
	}

	result, runErr := process.Run(ctx, process.Spec{
		Command:     "vibe",
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
				Engine:      "mistral",
				ExitCode:    -1,
				Message:     "vibe CLI not found in PATH",
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
			Engine:   "mistral",
			ExitCode: exit,
			Message:  runErr.Error(),
			Stderr:   stderr,
			Cause:    runErr,
		}
	}

	var resp vibeResponse
	if err := json.Unmarshal([]byte(result.Stdout), &resp); err != nil {
		output := strings.TrimSpace(result.Stdout)
		if opts.OnData != nil {
			for _, line := range strings.Split(output, "\n") {
				opts.OnData(line)
			}
		}
		return &engine.Result{Output: output}, nil
	}

	if resp.Error != "" {
		return nil, &errors.EngineError{Engine: "mistral", Message: resp.Error}
	}

	if resp.SessionID != "" && opts.OnSessionID != nil {
		opts.OnSessionID(resp.SessionID)
	}

	telemetry := engine.Telemetry{
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	if opts.OnTelemetry != nil {
		opts.OnTelemetry(telemetry)
	}

	if opts.OnData != nil {
		for _, line := range strings.Split(resp.Output, "\n") {
			opts.OnData(line)
		}
	}

	return &engine.Result{
		Output:    resp.Output,
		SessionID: resp.SessionID,
		Telemetry: telemetry,
	}, nil
}

// IsAuthenticated implements engine.Authenticator.
func (e *Engine) IsAuthenticated() bool {
	if engine.SkipAuth() {
		return true
	}
	_, _, err := engine.ResolveToken(e.home, "mistral", authEnvVars)
	return err == nil
}

// EnsureAuth implements engine.Authenticator.
func (e *Engine) EnsureAuth() error {
	_, _, err := engine.ResolveToken(e.home, "mistral", authEnvVars)
	return err
}

// ClearAuth implements engine.Authenticator.
func (e *Engine) ClearAuth() error {
	return engine.ClearToken(e.home, "mistral")
}
