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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerAppendOrder(t *testing.T) {
	l := NewLogger(t.TempDir())
	path := l.LogPath(1, "planner")
	require.NoError(t, l.Open(1, path))

	for i := 0; i < 50; i++ {
		require.NoError(t, l.WriteLine(1, fmt.Sprintf("line %d", i)))
	}

	content, next, err := l.Read(1, ReadOptions{})
	require.NoError(t, err)
	assert.Greater(t, next, int64(0))

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	require.Len(t, lines, 50)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("line %d", i), line)
	}
}

func TestLoggerPromptHeader(t *testing.T) {
	l := NewLogger(t.TempDir())
	require.NoError(t, l.Open(2, l.LogPath(2, "coder")))

	require.NoError(t, l.StoreFullPrompt(2, "do the thing"))
	require.NoError(t, l.WriteLine(2, "output line"))

	content, _, err := l.Read(2, ReadOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(content, promptHeaderOpen))
	assert.Contains(t, content, "do the thing")
	assert.Contains(t, content, promptHeaderClose)
	assert.Contains(t, content, "output line")
}

func TestLoggerReadOffsets(t *testing.T) {
	l := NewLogger(t.TempDir())
	require.NoError(t, l.Open(3, l.LogPath(3, "agent")))
	require.NoError(t, l.Write(3, "0123456789"))

	head, next, err := l.Read(3, ReadOptions{Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, "0123", head)
	assert.Equal(t, int64(4), next)

	tail, next, err := l.Read(3, ReadOptions{FromByte: next})
	require.NoError(t, err)
	assert.Equal(t, "456789", tail)
	assert.Equal(t, int64(10), next)
}

func TestLoggerUnknownID(t *testing.T) {
	l := NewLogger(t.TempDir())
	err := l.Write(9, "text")
	require.Error(t, err)
}

func TestLoggerCloseAndReopen(t *testing.T) {
	l := NewLogger(t.TempDir())
	path := l.LogPath(4, "agent")
	require.NoError(t, l.Open(4, path))
	require.NoError(t, l.WriteLine(4, "before close"))
	require.NoError(t, l.Close(4))

	// Re-open appends to the same file.
	require.NoError(t, l.Open(4, path))
	require.NoError(t, l.WriteLine(4, "after close"))

	content, _, err := l.Read(4, ReadOptions{})
	require.NoError(t, err)
	assert.Contains(t, content, "before close")
	assert.Contains(t, content, "after close")
}

func TestLogPathShape(t *testing.T) {
	l := NewLogger("/var/logs")
	path := l.LogPath(7, "My Agent!")
	assert.Regexp(t, `agent-7-My-Agent--\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.log$`, path)
}
