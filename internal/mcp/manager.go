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
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// Manager holds the configured backends and the aggregated tool routing
// table. Tool-name collisions override in arrival order with a warning.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	backends map[string]*Backend
	routes   map[string]string // toolName -> backendId
}

// NewManager creates a manager over the given backend configs.
func NewManager(configs map[string]BackendConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:   logger,
		backends: make(map[string]*Backend, len(configs)),
		routes:   make(map[string]string),
	}
	for id, cfg := range configs {
		m.backends[id] = NewBackend(id, cfg)
	}
	return m
}

// ConnectAll connects every backend in parallel, tolerating individual
// failures. Connected backends publish their tools into the routing table.
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	backends := make([]*Backend, 0, len(m.backends))
	for _, b := range m.backends {
		backends = append(backends, b)
	}
	m.mu.RUnlock()

	// Stable order keeps collision resolution deterministic.
	sort.Slice(backends, func(i, j int) bool { return backends[i].ID() < backends[j].ID() })

	var g errgroup.Group
	for _, backend := range backends {
		backend := backend
		g.Go(func() error {
			if err := backend.Connect(ctx); err != nil {
				m.logger.Warn("mcp backend failed to connect",
					"backend", backend.ID(), "error", err)
			}
			return nil
		})
	}
	g.Wait()

	for _, backend := range backends {
		if backend.Connected() {
			m.publish(backend)
		}
	}
}

// publish adds a backend's tools to the routing table.
func (m *Manager) publish(backend *Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tool := range backend.Tools() {
		if existing, ok := m.routes[tool.Name]; ok && existing != backend.ID() {
			m.logger.Warn("mcp tool name collision",
				"tool", tool.Name, "kept", backend.ID(), "overrode", existing)
		}
		m.routes[tool.Name] = backend.ID()
	}
}

// unpublish removes a backend's tools from the routing table.
func (m *Manager) unpublish(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, id := range m.routes {
		if id == backendID {
			delete(m.routes, name)
		}
	}
}

// DisconnectAll closes every backend and clears the routing table.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	backends := make([]*Backend, 0, len(m.backends))
	for _, b := range m.backends {
		backends = append(backends, b)
	}
	m.mu.RUnlock()

	for _, backend := range backends {
		if err := backend.Disconnect(); err != nil {
			m.logger.Warn("mcp backend failed to disconnect",
				"backend", backend.ID(), "error", err)
		}
		m.unpublish(backend.ID())
	}
}

// Reload applies a changed config: removed backends are disconnected, new
// ones connected, unchanged ones left alone.
func (m *Manager) Reload(ctx context.Context, configs map[string]BackendConfig) {
	m.mu.Lock()
	var removed []*Backend
	for id, backend := range m.backends {
		if _, ok := configs[id]; !ok {
			removed = append(removed, backend)
			delete(m.backends, id)
		}
	}
	var added []*Backend
	for id, cfg := range configs {
		if _, ok := m.backends[id]; !ok {
			backend := NewBackend(id, cfg)
			m.backends[id] = backend
			added = append(added, backend)
		}
	}
	m.mu.Unlock()

	for _, backend := range removed {
		backend.Disconnect()
		m.unpublish(backend.ID())
		m.logger.Info("mcp backend removed", "backend", backend.ID())
	}
	for _, backend := range added {
		if err := backend.Connect(ctx); err != nil {
			m.logger.Warn("mcp backend failed to connect",
				"backend", backend.ID(), "error", err)
			continue
		}
		m.publish(backend)
		m.logger.Info("mcp backend added", "backend", backend.ID())
	}
}

// CallTool routes a tool call to its backend. A name absent from the routing
// table (including a backend that died and was unpublished) returns a clear
// unknown-tool error.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	m.mu.RLock()
	backendID, ok := m.routes[name]
	backend := m.backends[backendID]
	m.mu.RUnlock()

	if !ok || backend == nil {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}

	result, err := backend.CallTool(ctx, name, args)
	if err != nil && !backend.Connected() {
		// The backend died under us; stop routing to it.
		m.unpublish(backendID)
	}
	return result, err
}

// AllTools returns every published tool, sorted by name.
func (m *Manager) AllTools() []ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ToolDefinition
	for name, backendID := range m.routes {
		backend := m.backends[backendID]
		if backend == nil {
			continue
		}
		for _, tool := range backend.Tools() {
			if tool.Name == name {
				out = append(out, tool)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetFilteredTools applies the active-servers filter: an empty list exposes
// no tools at all; each allowed server contributes its tools minus Exclude,
// or exactly Only when present.
func (m *Manager) GetFilteredTools(active []ActiveServer) []ToolDefinition {
	if len(active) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ToolDefinition
	for _, server := range active {
		backend := m.backends[server.Server]
		if backend == nil {
			continue
		}
		for _, tool := range backend.Tools() {
			// Routing collisions: only expose tools this backend owns.
			if m.routes[tool.Name] != server.Server {
				continue
			}
			if toolAllowed(tool.Name, server) {
				out = append(out, tool)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsToolAllowed mirrors GetFilteredTools for a single name.
func (m *Manager) IsToolAllowed(name string, active []ActiveServer) bool {
	if len(active) == 0 {
		return false
	}

	m.mu.RLock()
	backendID, ok := m.routes[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	for _, server := range active {
		if server.Server != backendID {
			continue
		}
		return toolAllowed(name, server)
	}
	return false
}

func toolAllowed(name string, server ActiveServer) bool {
	if len(server.Only) > 0 {
		for _, allowed := range server.Only {
			if allowed == name {
				return true
			}
		}
		return false
	}
	for _, excluded := range server.Exclude {
		if excluded == name {
			return false
		}
	}
	return true
}

// Statuses reports every backend's health, keyed by id.
func (m *Manager) Statuses() map[string]BackendStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]BackendStatus, len(m.backends))
	for id, backend := range m.backends {
		out[id] = backend.Status()
	}
	return out
}
