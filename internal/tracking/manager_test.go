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

package tracking

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.json")
	m, err := NewManager(path, "test.yaml")
	require.NoError(t, err)
	return m
}

func TestStepLifecycle(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.StepStarted(0))
	assert.Equal(t, []int{0}, m.GetNotCompletedSteps())
	assert.Equal(t, PhaseStarted, m.GetStepPhase(0))

	// Starting twice leaves notCompletedSteps unchanged.
	require.NoError(t, m.StepStarted(0))
	assert.Equal(t, []int{0}, m.GetNotCompletedSteps())

	require.NoError(t, m.StepSessionInitialized(0, "sess-1", 7))
	assert.Equal(t, PhaseSessionInitialized, m.GetStepPhase(0))

	require.NoError(t, m.StepCompleted(0))
	assert.Empty(t, m.GetNotCompletedSteps())
	assert.True(t, m.IsStepCompleted(0))
	assert.Equal(t, PhaseCompleted, m.GetStepPhase(0))

	data := m.GetStepData(0)
	require.NotNil(t, data)
	assert.NotNil(t, data.CompletedAt)
	assert.Nil(t, data.CompletedChains)
	assert.Equal(t, "sess-1", data.SessionID)
	assert.Equal(t, 7, data.MonitoringID)
}

func TestChainCompletedIdempotent(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.StepSessionInitialized(0, "sess", 1))
	require.NoError(t, m.ChainCompleted(0, 2))
	require.NoError(t, m.ChainCompleted(0, 0))
	require.NoError(t, m.ChainCompleted(0, 2))

	data := m.GetStepData(0)
	require.NotNil(t, data)
	assert.Equal(t, []int{0, 2}, data.CompletedChains)
	assert.Equal(t, PhaseChainInProgress, m.GetStepPhase(0))
}

func TestSessionInitializedPreservesChains(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.StepSessionInitialized(0, "sess-a", 1))
	require.NoError(t, m.ChainCompleted(0, 0))
	require.NoError(t, m.StepSessionInitialized(0, "sess-b", 2))

	data := m.GetStepData(0)
	require.NotNil(t, data)
	assert.Equal(t, "sess-b", data.SessionID)
	assert.Equal(t, []int{0}, data.CompletedChains)
}

func TestResumeInfoPriorities(t *testing.T) {
	t.Run("fresh when nothing recorded", func(t *testing.T) {
		m := newTestManager(t)
		info := m.GetResumeInfo()
		assert.Equal(t, StartFresh, info.Decision)
		assert.Equal(t, 0, info.StartIndex)
	})

	t.Run("resume disabled wins over everything", func(t *testing.T) {
		m := newTestManager(t)
		require.NoError(t, m.StepStarted(3))
		require.NoError(t, m.SetResumeFromLastStep(false))
		info := m.GetResumeInfo()
		assert.Equal(t, StartFresh, info.Decision)
		assert.Equal(t, 0, info.StartIndex)
	})

	t.Run("mid-chain wins over crash", func(t *testing.T) {
		m := newTestManager(t)
		require.NoError(t, m.StepStarted(0))
		require.NoError(t, m.StepSessionInitialized(0, "sess-0", 4))
		require.NoError(t, m.ChainCompleted(0, 0))
		require.NoError(t, m.StepStarted(1))

		info := m.GetResumeInfo()
		assert.Equal(t, ResumeFromChain, info.Decision)
		assert.Equal(t, 0, info.StartIndex)
		assert.Equal(t, 1, info.ChainIndex)
		assert.Equal(t, "sess-0", info.SessionID)
		assert.Equal(t, 4, info.MonitoringID)
	})

	t.Run("crash uses the highest unfinished step", func(t *testing.T) {
		m := newTestManager(t)
		require.NoError(t, m.StepStarted(0))
		require.NoError(t, m.StepCompleted(0))
		require.NoError(t, m.StepStarted(1))
		require.NoError(t, m.StepStarted(2))

		info := m.GetResumeInfo()
		assert.Equal(t, ResumeFromCrash, info.Decision)
		assert.Equal(t, 2, info.StartIndex)
	})

	t.Run("continue after the last completed step", func(t *testing.T) {
		m := newTestManager(t)
		require.NoError(t, m.StepStarted(0))
		require.NoError(t, m.StepCompleted(0))
		require.NoError(t, m.StepStarted(1))
		require.NoError(t, m.StepCompleted(1))

		info := m.GetResumeInfo()
		assert.Equal(t, ContinueAfterCompleted, info.Decision)
		assert.Equal(t, 2, info.StartIndex)
	})
}

func TestStatePersistsAcrossManagers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.json")

	m1, err := NewManager(path, "test.yaml")
	require.NoError(t, err)
	require.NoError(t, m1.StepStarted(0))
	require.NoError(t, m1.StepSessionInitialized(0, "sess", 3))
	require.NoError(t, m1.SetOnboarding("proj", "track-a", []string{"c1", "c2"}))

	m2, err := NewManager(path, "test.yaml")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, m2.GetNotCompletedSteps())
	assert.Equal(t, "proj", m2.ProjectName())
	assert.Equal(t, "track-a", m2.SelectedTrack())
	assert.Equal(t, []string{"c1", "c2"}, m2.SelectedConditions())

	data := m2.GetStepData(0)
	require.NotNil(t, data)
	assert.Equal(t, "sess", data.SessionID)
}

func TestTemplateChangeResetsProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.json")

	m1, err := NewManager(path, "a.yaml")
	require.NoError(t, err)
	require.NoError(t, m1.StepStarted(0))

	m2, err := NewManager(path, "b.yaml")
	require.NoError(t, err)
	assert.Empty(t, m2.GetNotCompletedSteps())
	info := m2.GetResumeInfo()
	assert.Equal(t, StartFresh, info.Decision)
}

func TestLegacyCompletedStepsMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.json")
	legacy := `{
		"activeTemplate": "test.yaml",
		"completedSteps": [0, 2],
		"notCompletedSteps": []
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	m, err := NewManager(path, "test.yaml")
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2}, m.GetCompletedSteps())
	data := m.GetStepData(0)
	require.NotNil(t, data)
	assert.Equal(t, "", data.SessionID)
	assert.Equal(t, 0, data.MonitoringID)
	assert.NotNil(t, data.CompletedAt)
}

func TestExactlyOneStateAtRest(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.StepStarted(0))
	require.NoError(t, m.StepCompleted(0))
	require.NoError(t, m.StepStarted(1))

	completed := map[int]bool{}
	for _, idx := range m.GetCompletedSteps() {
		completed[idx] = true
	}
	notCompleted := map[int]bool{}
	for _, idx := range m.GetNotCompletedSteps() {
		notCompleted[idx] = true
	}

	for step := 0; step < 3; step++ {
		states := 0
		if completed[step] {
			states++
		}
		if notCompleted[step] {
			states++
		}
		assert.LessOrEqual(t, states, 1, "step %d is in more than one state", step)
	}
	assert.True(t, completed[0])
	assert.True(t, notCompleted[1])
	assert.False(t, completed[2] || notCompleted[2])
}
