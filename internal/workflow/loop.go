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

package workflow

import "fmt"

// ActiveLoop is the in-flight loop record set when a step emits a loop
// directive. It is cleared only when the source step runs again without
// re-emitting loop.
type ActiveLoop struct {
	// SourceAgent is the agent id that emitted the loop.
	SourceAgent string

	// SourceStep is the step index that emitted the loop.
	SourceStep int

	// BackSteps is how far the pipeline rewound.
	BackSteps int

	// Iteration counts how many times this loop has fired.
	Iteration int

	// MaxIterations caps the loop; zero means unbounded.
	MaxIterations int

	// SkipList names agents bypassed during the re-traversal.
	SkipList []string

	// Reason is the agent's stated motivation.
	Reason string
}

// ShouldSkip reports whether an agent id is on the loop's skip list.
func (l *ActiveLoop) ShouldSkip(agentID string) bool {
	if l == nil {
		return false
	}
	for _, id := range l.SkipList {
		if id == agentID {
			return true
		}
	}
	return false
}

// loopState owns the active loop record and the per-step iteration
// counters that enforce maxIterations.
type loopState struct {
	active   *ActiveLoop
	counters map[string]int
}

func newLoopState() *loopState {
	return &loopState{counters: make(map[string]int)}
}

func loopKey(agentID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d", agentID, stepIndex)
}

// next increments the counter for a looping step and returns the new
// iteration count.
func (s *loopState) next(agentID string, stepIndex int) int {
	key := loopKey(agentID, stepIndex)
	s.counters[key]++
	return s.counters[key]
}

// exceeded reports whether another iteration would pass the cap. A zero cap
// never exceeds.
func (s *loopState) exceeded(agentID string, stepIndex, maxIterations int) bool {
	if maxIterations <= 0 {
		return false
	}
	return s.counters[loopKey(agentID, stepIndex)]+1 > maxIterations
}
