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

// Package mcp manages downstream MCP tool servers over stdio and aggregates
// their tools behind a single routing surface served to spawned agents.
package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// ToolDefinition is a backend tool as exposed through the router.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolResult is the normalized outcome of a tool call.
type ToolResult struct {
	IsError bool
	Text    string
}

// BackendStatus reports one backend's health for the status surface.
type BackendStatus struct {
	Connected bool
	ToolCount int
	Error     string
}

// Backend owns one downstream MCP server process and its client connection.
type Backend struct {
	id  string
	cfg BackendConfig

	mu     sync.RWMutex
	client *client.Client
	tools  []ToolDefinition
	err    string
}

// NewBackend creates an unconnected backend.
func NewBackend(id string, cfg BackendConfig) *Backend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Backend{id: id, cfg: cfg}
}

// ID returns the backend identifier.
func (b *Backend) ID() string { return b.id }

// Connect spawns the server, performs the MCP handshake, and caches the tool
// list.
func (b *Backend) Connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(b.cfg.Command, b.cfg.Env, b.cfg.Args...)
	if err != nil {
		b.setError(err)
		return errors.Wrapf(err, "creating MCP client for %s", b.id)
	}

	if err := mcpClient.Start(ctx); err != nil {
		b.setError(err)
		return errors.Wrapf(err, "starting MCP server %s", b.id)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "codemachine",
				Version: "0.1.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		b.setError(err)
		return errors.Wrapf(err, "initializing MCP server %s", b.id)
	}

	tools, err := listTools(ctx, mcpClient)
	if err != nil {
		mcpClient.Close()
		b.setError(err)
		return errors.Wrapf(err, "listing tools for %s", b.id)
	}

	b.mu.Lock()
	b.client = mcpClient
	b.tools = tools
	b.err = ""
	b.mu.Unlock()
	return nil
}

// Disconnect closes the client, which terminates the server process.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	mcpClient := b.client
	b.client = nil
	b.tools = nil
	b.mu.Unlock()

	if mcpClient == nil {
		return nil
	}
	return mcpClient.Close()
}

// Connected reports whether the backend has a live connection.
func (b *Backend) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client != nil
}

// Tools returns the cached tool list.
func (b *Backend) Tools() []ToolDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]ToolDefinition(nil), b.tools...)
}

// Status reports connection state, tool count, and last error.
func (b *Backend) Status() BackendStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BackendStatus{
		Connected: b.client != nil,
		ToolCount: len(b.tools),
		Error:     b.err,
	}
}

// CallTool forwards a tool invocation to the backend.
func (b *Backend) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	b.mu.RLock()
	mcpClient := b.client
	timeout := b.cfg.Timeout
	b.mu.RUnlock()

	if mcpClient == nil {
		return nil, errors.Wrapf(errors.New("backend not connected"), "calling %s on %s", name, b.id)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := mcpClient.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "calling %s on %s", name, b.id)
	}

	out := &ToolResult{IsError: result.IsError}
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += textContent.Text
		}
	}
	return out, nil
}

func (b *Backend) setError(err error) {
	b.mu.Lock()
	b.err = err.Error()
	b.mu.Unlock()
}

// listTools fetches and normalizes the server's tool definitions.
func listTools(ctx context.Context, mcpClient *client.Client) ([]ToolDefinition, error) {
	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	tools := make([]ToolDefinition, 0, len(result.Tools))
	for _, tool := range result.Tools {
		var schemaBytes []byte
		if len(tool.RawInputSchema) > 0 {
			schemaBytes = tool.RawInputSchema
		} else {
			schemaBytes, err = json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, errors.Wrapf(err, "marshaling schema for %s", tool.Name)
			}
		}
		tools = append(tools, ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaBytes,
		})
	}
	return tools, nil
}
