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

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Bridge serves the aggregated, filtered tool surface over stdio to one
// spawned agent. The agent's CLI connects to it as a single MCP server and
// never sees the individual backends.
type Bridge struct {
	manager   *Manager
	active    []ActiveServer
	mcpServer *server.MCPServer
}

// NewBridge creates the stdio bridge for the given active-server filter.
func NewBridge(manager *Manager, active []ActiveServer, version string) *Bridge {
	b := &Bridge{
		manager:   manager,
		active:    active,
		mcpServer: server.NewMCPServer("codemachine", version),
	}
	b.registerTools()
	return b
}

func (b *Bridge) registerTools() {
	for _, tool := range b.manager.GetFilteredTools(b.active) {
		tool := tool
		b.mcpServer.AddTool(mcp.Tool{
			Name:           tool.Name,
			Description:    tool.Description,
			RawInputSchema: tool.InputSchema,
		}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return b.handleCall(ctx, tool.Name, request)
		})
	}
}

func (b *Bridge) handleCall(ctx context.Context, name string, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !b.manager.IsToolAllowed(name, b.active) {
		return mcp.NewToolResultError("unknown tool: " + name), nil
	}

	args := request.GetArguments()
	result, err := b.manager.CallTool(ctx, name, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if result.IsError {
		return mcp.NewToolResultError(result.Text), nil
	}
	return mcp.NewToolResultText(result.Text), nil
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (b *Bridge) ServeStdio() error {
	return server.ServeStdio(b.mcpServer)
}
