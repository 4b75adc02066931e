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
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// BackendConfig describes one downstream MCP server process.
type BackendConfig struct {
	// Command is the server executable.
	Command string `yaml:"command"`

	// Args are the command-line arguments.
	Args []string `yaml:"args"`

	// Env are KEY=VALUE pairs passed to the server.
	Env []string `yaml:"env"`

	// Timeout bounds individual tool calls (default 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// ActiveServer selects a backend and optionally filters its tools. Only and
// Exclude are mutually exclusive; Only wins when both are set.
type ActiveServer struct {
	// Server is the backend id.
	Server string `yaml:"server"`

	// Only, when non-empty, allows exactly these tools.
	Only []string `yaml:"only,omitempty"`

	// Exclude removes these tools from the backend's full set.
	Exclude []string `yaml:"exclude,omitempty"`
}

// Config is the workspace mcp-servers.yaml document.
type Config struct {
	// Servers maps backend ids to their spawn configuration.
	Servers map[string]BackendConfig `yaml:"servers"`

	// Active lists the servers whose tools are exposed to agents. An empty
	// list exposes no tools at all; exposure is opt-in.
	Active []ActiveServer `yaml:"active"`
}

// LoadConfig reads the workspace MCP configuration. A missing file yields an
// empty config: no backends, no tools.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Servers: map[string]BackendConfig{}}, nil
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]BackendConfig{}
	}

	for id, backend := range cfg.Servers {
		if backend.Command == "" {
			return nil, &errors.ValidationError{
				Field:   "servers." + id + ".command",
				Message: "command is required",
			}
		}
	}
	return &cfg, nil
}
