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

package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// seedBackend installs a backend with a fixed tool list without spawning a
// process.
func seedBackend(m *Manager, id string, toolNames ...string) {
	backend := NewBackend(id, BackendConfig{Command: "true"})
	var tools []ToolDefinition
	for _, name := range toolNames {
		tools = append(tools, ToolDefinition{Name: name, Description: name})
	}
	backend.tools = tools
	m.backends[id] = backend
	m.publish(backend)
}

func newSeededManager() *Manager {
	m := NewManager(nil, nil)
	seedBackend(m, "files", "read_file", "write_file")
	seedBackend(m, "web", "fetch", "search")
	return m
}

func TestGetFilteredToolsEmptyActiveList(t *testing.T) {
	m := newSeededManager()
	assert.Empty(t, m.GetFilteredTools(nil))
	assert.Empty(t, m.GetFilteredTools([]ActiveServer{}))
}

func TestGetFilteredToolsAllFromServer(t *testing.T) {
	m := newSeededManager()

	tools := m.GetFilteredTools([]ActiveServer{{Server: "files"}})
	names := toolNames(tools)
	assert.Equal(t, []string{"read_file", "write_file"}, names)
}

func TestGetFilteredToolsExclude(t *testing.T) {
	m := newSeededManager()

	tools := m.GetFilteredTools([]ActiveServer{
		{Server: "files", Exclude: []string{"write_file"}},
	})
	assert.Equal(t, []string{"read_file"}, toolNames(tools))
}

func TestGetFilteredToolsOnly(t *testing.T) {
	m := newSeededManager()

	tools := m.GetFilteredTools([]ActiveServer{
		{Server: "web", Only: []string{"fetch"}, Exclude: []string{"fetch"}},
	})
	// Only wins when both are set.
	assert.Equal(t, []string{"fetch"}, toolNames(tools))
}

func TestIsToolAllowedMirrorsFiltering(t *testing.T) {
	m := newSeededManager()
	active := []ActiveServer{
		{Server: "files", Exclude: []string{"write_file"}},
	}

	assert.True(t, m.IsToolAllowed("read_file", active))
	assert.False(t, m.IsToolAllowed("write_file", active))
	assert.False(t, m.IsToolAllowed("fetch", active), "tools from inactive servers are hidden")
	assert.False(t, m.IsToolAllowed("read_file", nil), "empty active list allows nothing")
}

func TestToolNameCollisionOverridesInArrivalOrder(t *testing.T) {
	m := NewManager(nil, nil)
	seedBackend(m, "first", "shared_tool")
	seedBackend(m, "second", "shared_tool")

	m.mu.RLock()
	owner := m.routes["shared_tool"]
	m.mu.RUnlock()
	assert.Equal(t, "second", owner)
}

func TestCallToolUnknownName(t *testing.T) {
	m := newSeededManager()

	_, err := m.CallTool(context.Background(), "no_such_tool", nil)
	require.Error(t, err)

	var notFound *errors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields empty config", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Empty(t, cfg.Servers)
		assert.Empty(t, cfg.Active)
	})

	t.Run("parses servers and filters", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mcp-servers.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
servers:
  files:
    command: mcp-files
    args: ["--root", "."]
active:
  - server: files
    exclude: [delete_file]
`), 0o644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Contains(t, cfg.Servers, "files")
		assert.Equal(t, "mcp-files", cfg.Servers["files"].Command)
		require.Len(t, cfg.Active, 1)
		assert.Equal(t, []string{"delete_file"}, cfg.Active[0].Exclude)
	})

	t.Run("rejects a server without a command", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mcp-servers.yaml")
		require.NoError(t, os.WriteFile(path, []byte("servers:\n  broken: {}\n"), 0o644))

		_, err := LoadConfig(path)
		require.Error(t, err)
	})
}

func toolNames(tools []ToolDefinition) []string {
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}
