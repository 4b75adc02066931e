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
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// RegisterSpec describes a new agent run.
type RegisterSpec struct {
	Name      string
	Prompt    string
	ParentID  int
	Engine    string
	ModelName string
}

// Monitor is the registry of agent runs. One exists per process; pass it
// explicitly through the call graph. All state lives in the backing store so
// queries always observe the latest write.
type Monitor struct {
	store  *Store
	logger *slog.Logger

	// mu serializes record transitions (read, mutate, write back).
	mu sync.Mutex
}

// NewMonitor creates a monitor over the given store.
func NewMonitor(store *Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, logger: logger}
}

// Register creates a running record and returns its monitoring id.
func (m *Monitor) Register(ctx context.Context, spec RegisterSpec, logPath string) (int, error) {
	if spec.ParentID != 0 {
		if _, err := m.store.get(ctx, spec.ParentID); err != nil {
			return 0, errors.Wrapf(err, "registering child of %d", spec.ParentID)
		}
	}

	rec := &Record{
		Name:      spec.Name,
		ParentID:  spec.ParentID,
		Engine:    spec.Engine,
		Model:     spec.ModelName,
		Prompt:    spec.Prompt,
		StartTime: time.Now(),
		Status:    StatusRunning,
		LogPath:   logPath,
	}
	id, err := m.store.insert(ctx, rec)
	if err != nil {
		return 0, errors.Wrap(err, "registering agent")
	}

	m.logger.Debug("agent registered", "monitoring_id", id, "name", spec.Name, "parent_id", spec.ParentID)
	return id, nil
}

// MarkRunning transitions a record back to running (used on resume).
func (m *Monitor) MarkRunning(ctx context.Context, id int) error {
	return m.transition(ctx, id, func(r *Record) error {
		r.Status = StatusRunning
		r.EndTime = time.Time{}
		r.Duration = 0
		return nil
	})
}

// MarkPaused transitions a record to the resumable paused state. The record
// must carry a session id; pausing without one is a contract violation the
// caller must handle by failing the agent instead.
func (m *Monitor) MarkPaused(ctx context.Context, id int) error {
	return m.transition(ctx, id, func(r *Record) error {
		if r.SessionID == "" {
			return &errors.ValidationError{
				Field:      "sessionId",
				Message:    "agent " + strconv.Itoa(id) + " has no session to resume",
				Suggestion: "fail the agent instead of pausing it",
			}
		}
		r.Status = StatusPaused
		return nil
	})
}

// Complete finishes a record successfully. When telemetry is nil the prior
// value is preserved.
func (m *Monitor) Complete(ctx context.Context, id int, telemetry *Telemetry) error {
	return m.transition(ctx, id, func(r *Record) error {
		r.Status = StatusCompleted
		r.EndTime = time.Now()
		r.Duration = r.EndTime.Sub(r.StartTime)
		if telemetry != nil {
			r.Telemetry = *telemetry
		}
		return nil
	})
}

// Fail finishes a record with an error. Telemetry is preserved, never
// zeroed. Cooperative aborts are logged at debug level.
func (m *Monitor) Fail(ctx context.Context, id int, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	if errors.IsAbort(failure) {
		m.logger.Debug("agent aborted", "monitoring_id", id)
	} else {
		m.logger.Error("agent failed", "monitoring_id", id, "error", msg)
	}
	return m.transition(ctx, id, func(r *Record) error {
		r.Status = StatusFailed
		r.EndTime = time.Now()
		r.Duration = r.EndTime.Sub(r.StartTime)
		r.Error = msg
		return nil
	})
}

// UpdateTelemetry overwrites the record's aggregated telemetry with the
// latest cumulative numbers.
func (m *Monitor) UpdateTelemetry(ctx context.Context, id int, telemetry Telemetry) error {
	return m.transition(ctx, id, func(r *Record) error {
		r.Telemetry = telemetry
		return nil
	})
}

// SetLogPath records the agent's log file once the logger has opened it.
func (m *Monitor) SetLogPath(ctx context.Context, id int, logPath string) error {
	return m.transition(ctx, id, func(r *Record) error {
		r.LogPath = logPath
		return nil
	})
}

// SetSessionID records the engine-assigned session id for resume.
func (m *Monitor) SetSessionID(ctx context.Context, id int, sessionID string) error {
	return m.transition(ctx, id, func(r *Record) error {
		r.SessionID = sessionID
		return nil
	})
}

func (m *Monitor) transition(ctx context.Context, id int, mutate func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.store.get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(rec); err != nil {
		return err
	}
	return m.store.update(ctx, rec)
}

// GetAgent returns a fresh copy of one record.
func (m *Monitor) GetAgent(ctx context.Context, id int) (*Record, error) {
	return m.store.get(ctx, id)
}

// GetAllAgents returns all records in id order.
func (m *Monitor) GetAllAgents(ctx context.Context) ([]*Record, error) {
	return m.store.list(ctx)
}

// QueryAgents returns records matching the query, in id order.
func (m *Monitor) QueryAgents(ctx context.Context, q Query) ([]*Record, error) {
	all, err := m.store.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range all {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.ParentID != nil && r.ParentID != *q.ParentID {
			continue
		}
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetChildren returns the direct children of an agent.
func (m *Monitor) GetChildren(ctx context.Context, parentID int) ([]*Record, error) {
	return m.QueryAgents(ctx, Query{ParentID: &parentID})
}

// GetRootAgents returns all records without a parent.
func (m *Monitor) GetRootAgents(ctx context.Context) ([]*Record, error) {
	root := 0
	return m.QueryAgents(ctx, Query{ParentID: &root})
}

// GetFullSubtree returns the agent and all its descendants, parents before
// children.
func (m *Monitor) GetFullSubtree(ctx context.Context, id int) ([]*Record, error) {
	all, err := m.store.list(ctx)
	if err != nil {
		return nil, err
	}

	byParent := childIndex(all)
	byID := make(map[int]*Record, len(all))
	for _, r := range all {
		byID[r.ID] = r
	}

	rec, ok := byID[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "agent", ID: strconv.Itoa(id)}
	}

	out := []*Record{rec}
	queue := []int{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range byParent[cur] {
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}

// BuildAgentTree returns the full forest: root agents with children attached
// recursively, ordered by id at each level.
func (m *Monitor) BuildAgentTree(ctx context.Context) ([]*TreeNode, error) {
	all, err := m.store.list(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int]*TreeNode, len(all))
	for _, r := range all {
		nodes[r.ID] = &TreeNode{Record: *r}
	}

	var roots []*TreeNode
	for _, r := range all {
		node := nodes[r.ID]
		if r.ParentID == 0 {
			roots = append(roots, node)
			continue
		}
		if parent, ok := nodes[r.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			// Orphaned child; surface it as a root rather than dropping it.
			roots = append(roots, node)
		}
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots, nil
}

// ClearDescendants removes the whole subtree below id (children first),
// leaving the agent itself in place. Used when a loop rewinds past an agent
// so its children are re-created fresh.
func (m *Monitor) ClearDescendants(ctx context.Context, id int) (int, error) {
	subtree, err := m.GetFullSubtree(ctx, id)
	if err != nil {
		return 0, err
	}

	// Post-order: delete deepest first.
	var ids []int
	for i := len(subtree) - 1; i >= 1; i-- {
		ids = append(ids, subtree[i].ID)
	}
	if err := m.store.remove(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ClearAll removes every record and returns the number cleared.
func (m *Monitor) ClearAll(ctx context.Context) (int, error) {
	return m.store.removeAll(ctx)
}

func childIndex(all []*Record) map[int][]*Record {
	byParent := make(map[int][]*Record)
	for _, r := range all {
		if r.ParentID != 0 {
			byParent[r.ParentID] = append(byParent[r.ParentID], r)
		}
	}
	return byParent
}
