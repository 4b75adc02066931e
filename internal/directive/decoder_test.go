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

package directive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DirectiveFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"action": "loop",
		"stepsBack": 2,
		"skipList": ["designer"],
		"maxIterations": 3,
		"reason": "tests failing"
	}`), 0o644))

	d := NewDecoder(nil)
	action := d.Decode(dir, "")

	assert.Equal(t, Loop, action.Kind)
	assert.Equal(t, 2, action.StepsBack)
	assert.Equal(t, []string{"designer"}, action.SkipList)
	assert.Equal(t, 3, action.MaxIterations)
	assert.Equal(t, "tests failing", action.Reason)

	// The file is consumed.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDecodeSnakeCaseFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DirectiveFileName), []byte(`{
		"action": "trigger",
		"trigger_agent_id": "reviewer",
		"reason": "needs review"
	}`), 0o644))

	action := NewDecoder(nil).Decode(dir, "")
	assert.Equal(t, Trigger, action.Kind)
	assert.Equal(t, "reviewer", action.TriggerAgentID)
}

func TestDecodeTrailingFencedBlock(t *testing.T) {
	output := "All done with the task.\n\n" +
		"```json\n{\"action\": \"checkpoint\", \"reason\": \"review artifact X\"}\n```\n"

	action := NewDecoder(nil).Decode(t.TempDir(), output)
	assert.Equal(t, Checkpoint, action.Kind)
	assert.Equal(t, "review artifact X", action.Reason)
}

func TestDecodeLastFencedBlockWins(t *testing.T) {
	output := "```json\n{\"action\": \"stop\"}\n```\n" +
		"more text\n" +
		"```json\n{\"action\": \"pause\", \"reason\": \"later\"}\n```\n"

	action := NewDecoder(nil).Decode(t.TempDir(), output)
	assert.Equal(t, Pause, action.Kind)
}

func TestDecodeFilePrecedesOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DirectiveFileName),
		[]byte(`{"action": "stop"}`), 0o644))
	output := "```json\n{\"action\": \"continue\"}\n```"

	action := NewDecoder(nil).Decode(dir, output)
	assert.Equal(t, Stop, action.Kind)
}

func TestDecodeDefaultsToContinue(t *testing.T) {
	t.Run("no directive at all", func(t *testing.T) {
		action := NewDecoder(nil).Decode(t.TempDir(), "plain output, no json")
		assert.Equal(t, Continue, action.Kind)
	})

	t.Run("unparseable file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, DirectiveFileName),
			[]byte("{not json"), 0o644))
		action := NewDecoder(nil).Decode(dir, "")
		assert.Equal(t, Continue, action.Kind)
	})

	t.Run("unknown action", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, DirectiveFileName),
			[]byte(`{"action": "teleport"}`), 0o644))
		action := NewDecoder(nil).Decode(dir, "")
		assert.Equal(t, Continue, action.Kind)
	})
}

func TestPriorityOrdering(t *testing.T) {
	ordered := []Kind{Error, Stop, Trigger, Checkpoint, Loop, Pause, Continue}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Greater(t, ordered[i].Priority(), ordered[i+1].Priority(),
			"%s must outrank %s", ordered[i], ordered[i+1])
	}
}

func TestExtractInstruction(t *testing.T) {
	t.Run("fenced instruction field", func(t *testing.T) {
		out := "thinking...\n```json\n{\"instruction\": \"focus on module A\"}\n```"
		instruction, ok := ExtractInstruction(out)
		require.True(t, ok)
		assert.Equal(t, "focus on module A", instruction)
	})

	t.Run("plain text fallback", func(t *testing.T) {
		instruction, ok := ExtractInstruction("  run the linter next  ")
		require.True(t, ok)
		assert.Equal(t, "run the linter next", instruction)
	})

	t.Run("empty output", func(t *testing.T) {
		_, ok := ExtractInstruction("   \n  ")
		assert.False(t, ok)
	})
}
