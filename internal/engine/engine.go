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

// Package engine defines the uniform contract every LLM CLI adapter
// implements: metadata, a run entry point that streams parsed output, and
// optional MCP and auth hooks.
package engine

import (
	"context"
	"time"
)

// ReasoningEffort levels accepted by engines that support them.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// Metadata describes an engine adapter.
type Metadata struct {
	// ID is the stable engine identifier (e.g. "claude").
	ID string

	// Name is the human-readable engine name.
	Name string

	// Binary is the CLI executable name.
	Binary string

	// InstallHint tells the user how to install the CLI.
	InstallHint string

	// DefaultModel is used when neither step nor agent override it.
	DefaultModel string

	// Models lists the supported model names.
	Models []string

	// DefaultReasoningEffort applies when the agent sets none.
	DefaultReasoningEffort string

	// SupportsMCP reports whether the engine can attach MCP servers.
	SupportsMCP bool
}

// Telemetry carries the engine's cumulative usage numbers. Each stream
// update overwrites with the latest totals.
type Telemetry struct {
	TokensIn   int64
	TokensOut  int64
	Cached     int64
	CostUSD    float64
	DurationMS int64
}

// RunOptions parameterizes one engine run.
type RunOptions struct {
	// Prompt is the fully resolved prompt text.
	Prompt string

	// WorkingDir is the directory the CLI runs in.
	WorkingDir string

	// Model overrides the engine default when non-empty.
	Model string

	// ReasoningEffort is low/medium/high when the engine supports it.
	ReasoningEffort string

	// SessionID resumes an existing conversation when non-empty.
	SessionID string

	// OnData receives each rendered human-readable output line.
	OnData func(line string)

	// OnErrorData receives each stderr line.
	OnErrorData func(line string)

	// OnTelemetry receives cumulative usage updates.
	OnTelemetry func(Telemetry)

	// OnSessionID fires once with the engine-assigned session id.
	OnSessionID func(sessionID string)

	// Timeout bounds the run; zero uses the supervisor default.
	Timeout time.Duration
}

// Result is a successful run's outcome.
type Result struct {
	// Output is the agent's final textual output.
	Output string

	// SessionID is the session captured from the stream, "" if none.
	SessionID string

	// Telemetry holds the final cumulative usage.
	Telemetry Telemetry
}

// Engine is the adapter contract. Run must honor ctx cancellation through
// the process supervisor and surface in-stream errors (is_error records that
// still exit 0) as a returned error.
type Engine interface {
	Metadata() Metadata
	Run(ctx context.Context, opts RunOptions) (*Result, error)
}

// MCPConfigurer is implemented by engines that can install per-workspace MCP
// client configuration pointing the CLI at the tool bridge.
type MCPConfigurer interface {
	ConfigureMCP(workflowDir string) error
	CleanupMCP(workflowDir string) error
	MCPConfigured(workflowDir string) bool
}

// Authenticator is implemented by engines with managed credentials.
type Authenticator interface {
	IsAuthenticated() bool
	EnsureAuth() error
	ClearAuth() error
}
