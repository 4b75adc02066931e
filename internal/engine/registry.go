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

package engine

import (
	"sort"
	"sync"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// Registry holds the engines available to the workflow engine. One registry
// exists per process, created at startup and passed explicitly.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]Engine
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. The first registered engine becomes the default
// unless SetDefault overrides it.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.Metadata().ID
	r.engines[id] = e
	if r.defaultID == "" {
		r.defaultID = id
	}
}

// SetDefault selects the engine used when nothing overrides it.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[id]; !ok {
		return &errors.NotFoundError{Resource: "engine", ID: id}
	}
	r.defaultID = id
	return nil
}

// Get returns the engine with the given id.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "engine", ID: id}
	}
	return e, nil
}

// Default returns the default engine.
func (r *Registry) Default() (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID == "" {
		return nil, errors.New("no engines registered")
	}
	return r.engines[r.defaultID], nil
}

// Resolve picks an engine by priority: step override, agent default,
// registry default.
func (r *Registry) Resolve(stepOverride, agentDefault string) (Engine, error) {
	if stepOverride != "" {
		return r.Get(stepOverride)
	}
	if agentDefault != "" {
		return r.Get(agentDefault)
	}
	return r.Default()
}

// IDs lists the registered engine ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
