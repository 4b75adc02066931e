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

package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewMonitor(store, nil)
}

func register(t *testing.T, m *Monitor, name string, parent int) int {
	t.Helper()
	id, err := m.Register(context.Background(), RegisterSpec{
		Name:      name,
		Prompt:    "prompt for " + name,
		ParentID:  parent,
		Engine:    "claude",
		ModelName: "claude-sonnet-4-20250514",
	}, "/tmp/"+name+".log")
	require.NoError(t, err)
	return id
}

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	m := newTestMonitor(t)

	first := register(t, m, "planner", 0)
	second := register(t, m, "coder", 0)
	assert.Greater(t, second, first)

	rec, err := m.GetAgent(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.False(t, rec.StartTime.IsZero())
}

func TestRegisterChildRequiresParent(t *testing.T) {
	m := newTestMonitor(t)

	_, err := m.Register(context.Background(), RegisterSpec{Name: "orphan", ParentID: 99}, "")
	require.Error(t, err)
}

func TestCompleteSetsEndTimeAndDuration(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	id := register(t, m, "planner", 0)
	require.NoError(t, m.Complete(ctx, id, &Telemetry{TokensIn: 100, TokensOut: 50}))

	rec, err := m.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.False(t, rec.EndTime.IsZero())
	assert.InDelta(t, rec.EndTime.Sub(rec.StartTime).Milliseconds(), rec.Duration.Milliseconds(), 2)
	assert.Equal(t, int64(100), rec.Telemetry.TokensIn)
}

func TestTelemetryPreservedWhenNotPassed(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	t.Run("on complete", func(t *testing.T) {
		id := register(t, m, "a", 0)
		require.NoError(t, m.UpdateTelemetry(ctx, id, Telemetry{TokensIn: 42, CostUSD: 0.5}))
		require.NoError(t, m.Complete(ctx, id, nil))

		rec, err := m.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(42), rec.Telemetry.TokensIn)
		assert.Equal(t, 0.5, rec.Telemetry.CostUSD)
	})

	t.Run("on fail", func(t *testing.T) {
		id := register(t, m, "b", 0)
		require.NoError(t, m.UpdateTelemetry(ctx, id, Telemetry{TokensOut: 7}))
		require.NoError(t, m.Fail(ctx, id, errors.New("engine exploded")))

		rec, err := m.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "engine exploded", rec.Error)
		assert.Equal(t, int64(7), rec.Telemetry.TokensOut)
		assert.False(t, rec.EndTime.IsZero())
	})
}

func TestMarkPausedRequiresSession(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	id := register(t, m, "planner", 0)
	require.Error(t, m.MarkPaused(ctx, id), "pausing without a session must fail")

	require.NoError(t, m.SetSessionID(ctx, id, "sess-1"))
	require.NoError(t, m.MarkPaused(ctx, id))

	rec, err := m.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, rec.Status)
	assert.NotEmpty(t, rec.SessionID)
}

func TestHierarchyQueries(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	root := register(t, m, "root", 0)
	child := register(t, m, "child", root)
	grandchild := register(t, m, "grandchild", child)
	other := register(t, m, "other", 0)

	children, err := m.GetChildren(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child, children[0].ID)

	roots, err := m.GetRootAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, roots, 2)

	subtree, err := m.GetFullSubtree(ctx, root)
	require.NoError(t, err)
	require.Len(t, subtree, 3)
	assert.Equal(t, root, subtree[0].ID)

	tree, err := m.BuildAgentTree(ctx)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	require.Len(t, tree[0].Children, 1)
	require.Len(t, tree[0].Children[0].Children, 1)
	assert.Equal(t, grandchild, tree[0].Children[0].Children[0].ID)
	assert.Equal(t, other, tree[1].ID)
}

func TestClearDescendants(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	root := register(t, m, "root", 0)
	child := register(t, m, "child", root)
	register(t, m, "grandchild", child)

	cleared, err := m.ClearDescendants(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	// The agent itself stays; the subtree is gone.
	_, err = m.GetAgent(ctx, root)
	require.NoError(t, err)
	_, err = m.GetAgent(ctx, child)
	require.Error(t, err)
}

func TestClearAll(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	register(t, m, "a", 0)
	register(t, m, "b", 0)

	cleared, err := m.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	all, err := m.GetAllAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestQueryAgents(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	a := register(t, m, "planner", 0)
	register(t, m, "coder", 0)
	require.NoError(t, m.SetSessionID(ctx, a, "sess"))
	require.NoError(t, m.MarkPaused(ctx, a))

	paused, err := m.QueryAgents(ctx, Query{Status: StatusPaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "planner", paused[0].Name)

	byName, err := m.QueryAgents(ctx, Query{Name: "coder"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, StatusRunning, byName[0].Status)
}
