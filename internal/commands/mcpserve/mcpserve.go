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

// Package mcpserve implements the stdio MCP bridge command that LLM CLIs
// connect to. It aggregates the workspace's configured backend servers
// behind a single filtered tool surface.
package mcpserve

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/moazbuilds/codemachine/internal/cli"
	"github.com/moazbuilds/codemachine/internal/config"
	"github.com/moazbuilds/codemachine/internal/log"
	"github.com/moazbuilds/codemachine/internal/mcp"
)

// NewCommand creates the mcp-serve command. Spawned agents' CLIs run this
// binary as their MCP server; it is not meant for interactive use.
func NewCommand() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Serve the aggregated MCP tool surface over stdio",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), workspace)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Workflow working directory")

	return cmd
}

func serve(ctx context.Context, workspace string) error {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workspace = wd
	}

	// Logs must go to stderr; stdout carries the MCP protocol.
	logger := log.New(&log.Config{Level: "warn", Output: os.Stderr})

	configPath := filepath.Join(workspace, config.WorkspaceDirName, "mcp-servers.yaml")
	cfg, err := mcp.LoadConfig(configPath)
	if err != nil {
		return err
	}

	manager := mcp.NewManager(cfg.Servers, logger)
	manager.ConnectAll(ctx)
	defer manager.DisconnectAll()

	version, _, _ := cli.GetVersion()
	bridge := mcp.NewBridge(manager, cfg.Active, version)
	return bridge.ServeStdio()
}
