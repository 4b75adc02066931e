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

package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf to lf", "a\r\nb\r\n", "a\nb\n"},
		{"bare cr rewrites the line", "progress 10%\rprogress 99%\ndone\n", "progress 99%\ndone\n"},
		{"multiple rewrites keep the last", "1\r2\r3\n", "3\n"},
		{"three newlines collapse to two", "a\n\n\nb", "a\n\nb"},
		{"many newlines collapse to two", "a\n\n\n\n\nb", "a\n\nb"},
		{"plain text untouched", "hello\nworld\n", "hello\nworld\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.in))
		})
	}
}

func TestLineBuffer(t *testing.T) {
	t.Run("buffers chunks to line boundaries", func(t *testing.T) {
		var lines []string
		lb := newLineBuffer(func(line string) { lines = append(lines, line) })

		lb.Write([]byte("hel"))
		lb.Write([]byte("lo\nwor"))
		assert.Equal(t, []string{"hello"}, lines)

		lb.Write([]byte("ld\n"))
		assert.Equal(t, []string{"hello", "world"}, lines)
	})

	t.Run("carriage return folds to final form", func(t *testing.T) {
		var lines []string
		lb := newLineBuffer(func(line string) { lines = append(lines, line) })

		lb.Write([]byte("10%\r50%\r100%\n"))
		assert.Equal(t, []string{"100%"}, lines)
	})

	t.Run("crlf split across chunks", func(t *testing.T) {
		var lines []string
		lb := newLineBuffer(func(line string) { lines = append(lines, line) })

		lb.Write([]byte("one\r"))
		lb.Write([]byte("\ntwo\n"))
		assert.Equal(t, []string{"one", "two"}, lines)
	})

	t.Run("blank runs collapse", func(t *testing.T) {
		var lines []string
		lb := newLineBuffer(func(line string) { lines = append(lines, line) })

		lb.Write([]byte("a\n\n\n\nb\n"))
		assert.Equal(t, []string{"a", "", "b"}, lines)
	})

	t.Run("flush emits the trailing partial line", func(t *testing.T) {
		var lines []string
		lb := newLineBuffer(func(line string) { lines = append(lines, line) })

		lb.Write([]byte("no newline"))
		assert.Empty(t, lines)
		lb.Flush()
		assert.Equal(t, []string{"no newline"}, lines)
	})
}
