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

// Package agent tracks every LLM CLI run: its lifecycle, parent/child
// relationships, session id, telemetry, and append-only log.
package agent

import "time"

// Status is the lifecycle state of an agent record.
type Status string

const (
	// StatusRunning indicates the agent's process is in flight.
	StatusRunning Status = "running"
	// StatusPaused indicates a resumable stop; SessionID is non-empty.
	StatusPaused Status = "paused"
	// StatusCompleted indicates a successful exit.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a non-recoverable exit.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status ends the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Telemetry aggregates the engine's cumulative usage numbers. Updates from
// the stream overwrite with the latest totals; values are monotonic over a
// single run.
type Telemetry struct {
	// TokensIn is total input tokens, cached included.
	TokensIn int64

	// TokensOut is total output tokens.
	TokensOut int64

	// Cached is the cached portion of TokensIn.
	Cached int64

	// CostUSD is the engine-reported cumulative cost.
	CostUSD float64

	// DurationMS is the engine-reported wall time.
	DurationMS int64
}

// IsZero reports whether no telemetry has been recorded.
func (t Telemetry) IsZero() bool {
	return t == Telemetry{}
}

// Record is one agent run as persisted by the monitor.
type Record struct {
	// ID is the monitoring id, assigned monotonically.
	ID int

	// Name is the agent's human name.
	Name string

	// ParentID links a child to its parent; zero for root agents.
	ParentID int

	// Engine is the engine id the run used.
	Engine string

	// Model is the model name the run used.
	Model string

	// Prompt is the full prompt as sent.
	Prompt string

	// StartTime is when the record was registered.
	StartTime time.Time

	// EndTime is set on completed/failed transitions.
	EndTime time.Time

	// Duration is EndTime minus StartTime, set with EndTime.
	Duration time.Duration

	// Status is the lifecycle state.
	Status Status

	// Error holds the failure message for failed records.
	Error string

	// SessionID permits resuming the engine conversation.
	SessionID string

	// LogPath is the agent's append-only log file.
	LogPath string

	// Telemetry holds aggregated usage. Preserved on failure.
	Telemetry Telemetry
}

// TreeNode is a record with its children, for hierarchical queries.
type TreeNode struct {
	Record
	Children []*TreeNode
}

// Query filters monitor lookups. Nil/zero fields match everything.
type Query struct {
	Status   Status
	ParentID *int
	Name     string
}
