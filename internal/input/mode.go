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

package input

import (
	"sync"

	"github.com/moazbuilds/codemachine/internal/events"
)

// Mode owns the auto/paused flags and derives the active provider from
// them: the user provider when paused or not in auto mode, the controller
// otherwise. No separate active-provider slot is stored.
type Mode struct {
	emitter    *events.Emitter
	user       Provider
	controller Provider

	mu       sync.Mutex
	autoMode bool
	paused   bool
}

// NewMode creates the mode manager. The initial state is manual, unpaused.
func NewMode(emitter *events.Emitter, user, controller Provider) *Mode {
	return &Mode{emitter: emitter, user: user, controller: controller}
}

// ActiveProvider computes the provider for the current state.
func (m *Mode) ActiveProvider() Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Mode) activeLocked() Provider {
	if m.paused || !m.autoMode {
		return m.user
	}
	return m.controller
}

// AutoMode reports the auto flag.
func (m *Mode) AutoMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoMode
}

// Paused reports the paused flag.
func (m *Mode) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// SetAutoMode flips auto mode. Enabling it clears the paused flag. The
// transition deactivates the outgoing provider, then activates the incoming
// one; a no-op change emits no event.
func (m *Mode) SetAutoMode(auto bool) {
	m.mu.Lock()
	prev := m.activeLocked()
	if m.autoMode == auto && !(auto && m.paused) {
		m.mu.Unlock()
		return
	}
	if auto {
		m.paused = false
	}
	m.autoMode = auto
	next := m.activeLocked()
	paused := m.paused
	m.mu.Unlock()

	m.swap(prev, next)
	m.emitter.ModeChanged(auto, paused)
	m.emitter.InputStateSet(events.InputStatePayload{AutoMode: auto, Paused: paused})
}

// Pause disables auto mode and sets the paused flag.
func (m *Mode) Pause() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	prev := m.activeLocked()
	m.paused = true
	m.autoMode = false
	next := m.activeLocked()
	m.mu.Unlock()

	m.swap(prev, next)
	m.emitter.ModeChanged(false, true)
	m.emitter.InputStateSet(events.InputStatePayload{AutoMode: false, Paused: true})
}

// Resume clears the paused flag; if auto mode is on this reactivates the
// controller.
func (m *Mode) Resume() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	prev := m.activeLocked()
	m.paused = false
	next := m.activeLocked()
	auto := m.autoMode
	m.mu.Unlock()

	m.swap(prev, next)
	m.emitter.ModeChanged(auto, false)
	m.emitter.InputStateSet(events.InputStatePayload{AutoMode: auto, Paused: false})
}

// swap performs the deactivate-then-activate discipline, exactly once each,
// and only when the provider actually changes.
func (m *Mode) swap(prev, next Provider) {
	if prev == next {
		return
	}
	prev.Abort()
	prev.Deactivate()
	next.Activate()
}
