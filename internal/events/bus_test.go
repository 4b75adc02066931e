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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus()

	var typed, general int
	bus.On(WorkflowStarted, func(Event) { typed++ })
	bus.Subscribe(func(Event) { general++ })

	bus.Emit(Event{Type: WorkflowStarted})
	bus.Emit(Event{Type: WorkflowStopped})

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, general)
}

func TestBusOnce(t *testing.T) {
	bus := NewBus()

	fired := 0
	bus.Once(CheckpointResolve, func(Event) { fired++ })

	bus.Emit(Event{Type: CheckpointResolve})
	bus.Emit(Event{Type: CheckpointResolve})

	assert.Equal(t, 1, fired)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	fired := 0
	off := bus.On(MessageLog, func(Event) { fired++ })

	bus.Emit(Event{Type: MessageLog})
	off()
	bus.Emit(Event{Type: MessageLog})

	assert.Equal(t, 1, fired)
}

func TestBusPanicIsolation(t *testing.T) {
	bus := NewBus()

	var survived bool
	bus.On(AgentStatus, func(Event) { panic("listener bug") })
	bus.On(AgentStatus, func(Event) { survived = true })

	require.NotPanics(t, func() {
		bus.Emit(Event{Type: AgentStatus})
	})
	assert.True(t, survived, "remaining listeners must still receive the event")
}

func TestBusHistory(t *testing.T) {
	bus := NewBusWithHistory(3)

	bus.Emit(Event{Type: WorkflowStarted})
	bus.Emit(Event{Type: MessageLog})
	bus.Emit(Event{Type: MessageLog})
	bus.Emit(Event{Type: WorkflowStopped})

	history := bus.History()
	require.Len(t, history, 3, "history is capped")
	assert.Equal(t, MessageLog, history[0].Type)

	byType := bus.HistoryByType(MessageLog)
	assert.Len(t, byType, 2)
}

func TestBusStampsEvents(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.On(WorkflowStarted, func(e Event) { got = e })
	bus.Emit(Event{Type: WorkflowStarted})

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}
