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

// Package cli builds the root cobra command and holds version metadata.
package cli

import (
	"sync"

	"github.com/spf13/cobra"
)

var (
	versionMu sync.RWMutex
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the build metadata (called from main with ldflags values).
func SetVersion(v, c, b string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version, commit, buildDate = v, c, b
}

// GetVersion returns the build metadata.
func GetVersion() (string, string, string) {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return version, commit, buildDate
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codemachine",
		Short: "CodeMachine - agent workflow orchestration",
		Long: `CodeMachine drives a declarative pipeline of LLM-backed agents:
each step spawns a coding-assistant CLI, streams its output, persists a
resumable session, and honors the directives the agent emits (loop,
checkpoint, trigger, stop, pause).

Run 'codemachine run <template>' to execute a workflow.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress non-error output")

	return cmd
}
