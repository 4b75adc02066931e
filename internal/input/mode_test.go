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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moazbuilds/codemachine/internal/events"
)

// fakeProvider records lifecycle calls for swap-discipline assertions.
type fakeProvider struct {
	id    string
	calls []string
}

func (f *fakeProvider) ID() string { return f.id }
func (f *fakeProvider) GetInput(context.Context, Context) (*Result, error) {
	return &Result{Type: TypeInput}, nil
}
func (f *fakeProvider) Activate()   { f.calls = append(f.calls, "activate") }
func (f *fakeProvider) Deactivate() { f.calls = append(f.calls, "deactivate") }
func (f *fakeProvider) Abort()      { f.calls = append(f.calls, "abort") }

func newTestMode() (*Mode, *fakeProvider, *fakeProvider, *events.Bus) {
	bus := events.NewBus()
	emitter := events.NewEmitter(bus)
	user := &fakeProvider{id: "user"}
	controller := &fakeProvider{id: "controller"}
	return NewMode(emitter, user, controller), user, controller, bus
}

func TestActiveProviderDerivation(t *testing.T) {
	m, user, controller, _ := newTestMode()

	// Manual, unpaused: user.
	assert.Equal(t, user.ID(), m.ActiveProvider().ID())

	m.SetAutoMode(true)
	assert.Equal(t, controller.ID(), m.ActiveProvider().ID())

	// Paused overrides auto.
	m.Pause()
	assert.Equal(t, user.ID(), m.ActiveProvider().ID())
}

func TestSetAutoModeIdempotent(t *testing.T) {
	m, _, _, bus := newTestMode()

	events1 := 0
	bus.On(events.ModeChanged, func(events.Event) { events1++ })

	m.SetAutoMode(true)
	m.SetAutoMode(true)

	assert.Equal(t, 1, events1, "repeated SetAutoMode(true) emits exactly one event")
}

func TestSwapDiscipline(t *testing.T) {
	m, user, controller, _ := newTestMode()

	m.SetAutoMode(true)

	// Outgoing provider: abort then deactivate, exactly once.
	require.Equal(t, []string{"abort", "deactivate"}, user.calls)
	// Incoming provider: one activate.
	require.Equal(t, []string{"activate"}, controller.calls)
}

func TestPauseDisablesAutoMode(t *testing.T) {
	m, _, _, _ := newTestMode()

	m.SetAutoMode(true)
	m.Pause()

	assert.False(t, m.AutoMode())
	assert.True(t, m.Paused())

	// Enabling auto clears paused.
	m.SetAutoMode(true)
	assert.True(t, m.AutoMode())
	assert.False(t, m.Paused())
}

func TestResumeAfterPauseKeepsUserProvider(t *testing.T) {
	m, user, controller, _ := newTestMode()

	m.SetAutoMode(true)
	m.Pause()
	user.calls = nil
	controller.calls = nil

	// Paused with auto off: resume keeps the user provider, no swap.
	m.Resume()
	assert.Empty(t, controller.calls)
	assert.Empty(t, user.calls)
	assert.Equal(t, user.ID(), m.ActiveProvider().ID())
}
