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

// Package claude adapts the Claude Code CLI to the engine contract. The CLI
// is driven in --output-format stream-json mode; every record is parsed into
// rendered output lines, telemetry updates, and the session id.
package claude

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/moazbuilds/codemachine/internal/engine"
	"github.com/moazbuilds/codemachine/internal/process"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

var authEnvVars = []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN"}

// Engine drives the claude CLI.
type Engine struct {
	// home is the codemachine home directory for auth and config state.
	home string
}

// New creates the claude engine adapter.
func New(home string) *Engine {
	return &Engine{home: home}
}

// Metadata implements engine.Engine.
func (e *Engine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:          "claude",
		Name:        "Claude Code",
		Binary:      "claude",
		InstallHint: "install with: npm install -g @anthropic-ai/claude-code",
		DefaultModel: "claude-sonnet-4-20250514",
		Models: []string{
			"claude-opus-4-20250514",
			"claude-sonnet-4-20250514",
			"claude-3-5-haiku-20241022",
		},
		DefaultReasoningEffort: engine.EffortMedium,
		SupportsMCP:            true,
	}
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, opts engine.RunOptions) (*engine.Result, error) {
	env, err := e.buildEnv(ctx, opts)
	if err != nil {
		return nil, err
	}

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if mcpConfig := mcpConfigPath(opts.WorkingDir); fileExists(mcpConfig) {
		args = append(args, "--mcp-config", mcpConfig)
	}

	parser := newStreamParser(opts)

	result, runErr := process.Run(ctx, process.Spec{
		Command:     "claude",
		Args:        args,
		Env:         env,
		Dir:         opts.WorkingDir,
		Stdin:       opts.Prompt,
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
				Engine:      "claude",
				ExitCode:    -1,
				Message:     "claude CLI not found in PATH",
				InstallHint: e.Metadata().InstallHint,
				Cause:       runErr,
			}
		}
		stderr := ""
		if result != nil {
			stderr = tail(result.Stderr, 2000)
		}
		return nil, &errors.EngineError{
			Engine:   "claude",
			ExitCode: exitCode(result),
			Message:  parser.BestErrorMessage(runErr.Error()),
			Stderr:   stderr,
			Cause:    runErr,
		}
	}

	// Rate limits and invalid models can exit 0 with an error record.
	if msg := parser.StreamError(); msg != "" {
		return nil, &errors.EngineError{Engine: "claude", Message: msg}
	}

	return parser.Result(), nil
}

// buildEnv assembles the environment overlay: config dir, credentials, and
// the thinking budget derived from reasoning effort.
func (e *Engine) buildEnv(ctx context.Context, opts engine.RunOptions) (map[string]string, error) {
	env := map[string]string{
		"CLAUDE_CONFIG_DIR": filepath.Join(e.home, "claude"),
	}

	switch opts.ReasoningEffort {
	case engine.EffortLow:
		env["MAX_THINKING_TOKENS"] = "4096"
	case engine.EffortHigh:
		env["MAX_THINKING_TOKENS"] = "31999"
	}

	if engine.SkipAuth() {
		return env, nil
	}

	if os.Getenv("CLAUDE_CODE_USE_BEDROCK") == "1" {
		if err := validateBedrockCredentials(ctx); err != nil {
			return nil, errors.Wrap(err, "validating AWS credentials for Bedrock")
		}
		return env, nil
	}

	token, source, err := engine.ResolveToken(e.home, "claude", authEnvVars)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(source, "env:") {
		env["ANTHROPIC_API_KEY"] = token
	}
	return env, nil
}

// IsAuthenticated implements engine.Authenticator.
func (e *Engine) IsAuthenticated() bool {
	if engine.SkipAuth() || os.Getenv("CLAUDE_CODE_USE_BEDROCK") == "1" {
		return true
	}
	_, _, err := engine.ResolveToken(e.home, "claude", authEnvVars)
	return err == nil
}

// EnsureAuth implements engine.Authenticator.
func (e *Engine) EnsureAuth() error {
	if e.IsAuthenticated() {
		return nil
	}
	_, _, err := engine.ResolveToken(e.home, "claude", authEnvVars)
	return err
}

// ClearAuth implements engine.Authenticator.
func (e *Engine) ClearAuth() error {
	return engine.ClearToken(e.home, "claude")
}

// validateBedrockCredentials confirms the ambient AWS credential chain works
// before handing it to the CLI, so the failure is a clear one.
func validateBedrockCredentials(ctx context.Context) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}
	_, err = sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	return err
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func exitCode(result *process.Result) int {
	if result == nil {
		return -1
	}
	return result.ExitCode
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
