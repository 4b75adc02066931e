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

package claude

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// mcpConfigName is the per-workspace MCP client config the claude CLI reads.
const mcpConfigName = ".mcp.json"

func mcpConfigPath(workflowDir string) string {
	return filepath.Join(workflowDir, mcpConfigName)
}

// ConfigureMCP writes the workspace MCP config pointing the CLI at the
// codemachine tool bridge, which aggregates the configured backend servers.
func (e *Engine) ConfigureMCP(workflowDir string) error {
	binary, err := os.Executable()
	if err != nil {
		binary = "codemachine"
	}

	config := map[string]any{
		"mcpServers": map[string]any{
			"codemachine": map[string]any{
				"command": binary,
				"args":    []string{"mcp-serve", "--workspace", workflowDir},
			},
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(mcpConfigPath(workflowDir), append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(err, "writing claude MCP config")
	}
	return nil
}

// CleanupMCP removes the workspace MCP config.
func (e *Engine) CleanupMCP(workflowDir string) error {
	err := os.Remove(mcpConfigPath(workflowDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MCPConfigured reports whether the workspace config exists.
func (e *Engine) MCPConfigured(workflowDir string) bool {
	return fileExists(mcpConfigPath(workflowDir))
}
