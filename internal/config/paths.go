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

// Package config resolves the directories and environment the engine works
// in: the user's project directory, the per-project .codemachine workspace,
// and the global codemachine home.
package config

import (
	"os"
	"path/filepath"
)

// WorkspaceDirName is the per-project state directory created inside the
// working directory.
const WorkspaceDirName = ".codemachine"

// Paths holds every directory the engine reads or writes.
type Paths struct {
	// WorkingDir is the user's project directory (CODEMACHINE_CWD or cwd).
	WorkingDir string

	// Workspace is WorkingDir/.codemachine.
	Workspace string

	// Home is the global directory (CODEMACHINE_HOME or ~/.codemachine).
	Home string

	// ImportsDir holds imported prompt packages (CODEMACHINE_IMPORTS_DIR
	// or Home/imports).
	ImportsDir string

	// PackageDir is the install dir holding bundled prompt templates.
	PackageDir string
}

// Resolve computes all paths from the environment. No directories are
// created; callers create what they write to.
func Resolve() (*Paths, error) {
	workingDir := os.Getenv("CODEMACHINE_CWD")
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workingDir = wd
	}

	home := os.Getenv("CODEMACHINE_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		home = filepath.Join(userHome, WorkspaceDirName)
	}

	importsDir := os.Getenv("CODEMACHINE_IMPORTS_DIR")
	if importsDir == "" {
		importsDir = filepath.Join(home, "imports")
	}

	packageDir, err := executableDir()
	if err != nil {
		packageDir = workingDir
	}

	return &Paths{
		WorkingDir: workingDir,
		Workspace:  filepath.Join(workingDir, WorkspaceDirName),
		Home:       home,
		ImportsDir: importsDir,
		PackageDir: packageDir,
	}, nil
}

// executableDir returns the directory holding the running binary.
func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Dir(resolved), nil
}

// TemplateTrackingPath returns the workspace template.json path.
func (p *Paths) TemplateTrackingPath() string {
	return filepath.Join(p.Workspace, "template.json")
}

// LogsDir returns the workspace directory for per-agent logs.
func (p *Paths) LogsDir() string {
	return filepath.Join(p.Workspace, "logs")
}

// ArtifactsDir returns the workspace artifacts directory consulted by
// placeholder resolution.
func (p *Paths) ArtifactsDir() string {
	return filepath.Join(p.Workspace, "artifacts")
}

// TracesDir returns the workspace directory for telemetry exports, unless
// CODEMACHINE_TRACE_DIR overrides it.
func (p *Paths) TracesDir() string {
	if dir := os.Getenv("CODEMACHINE_TRACE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(p.Workspace, "traces")
}

// StateDBPath returns the workspace sqlite database backing the agent
// monitor.
func (p *Paths) StateDBPath() string {
	return filepath.Join(p.Workspace, "state.db")
}

// MCPConfigPath returns the workspace MCP servers configuration file.
func (p *Paths) MCPConfigPath() string {
	return filepath.Join(p.Workspace, "mcp-servers.yaml")
}

// DirectivePath returns the directive file an agent may write into the
// working directory.
func (p *Paths) DirectivePath() string {
	return filepath.Join(p.WorkingDir, "directive.json")
}

// EnsureWorkspace creates the workspace directory tree.
func (p *Paths) EnsureWorkspace() error {
	for _, dir := range []string{p.Workspace, p.LogsDir(), p.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
