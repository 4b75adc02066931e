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

package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moazbuilds/codemachine/internal/engine"
)

func TestParseSessionIDCapturedOnce(t *testing.T) {
	var sessions []string
	p := newStreamParser(engine.RunOptions{
		OnSessionID: func(sid string) { sessions = append(sessions, sid) },
	})

	p.ParseLine(`{"type":"system","subtype":"init","session_id":"sess-abc"}`)
	p.ParseLine(`{"type":"assistant","session_id":"sess-abc","message":{"content":[{"type":"text","text":"hi"}]}}`)

	require.Equal(t, []string{"sess-abc"}, sessions)
	assert.Equal(t, "sess-abc", p.Result().SessionID)
}

func TestParseToolLifecycle(t *testing.T) {
	var lines []string
	p := newStreamParser(engine.RunOptions{
		OnData: func(line string) { lines = append(lines, line) },
	})

	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash"}]}}`)
	p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","is_error":false}]}}`)
	p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"unknown","is_error":true}]}}`)

	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Bash")
	assert.Contains(t, lines[1], "Bash")
	assert.Contains(t, lines[2], "tool")
}

func TestParseResultTelemetry(t *testing.T) {
	var telemetry engine.Telemetry
	p := newStreamParser(engine.RunOptions{
		OnTelemetry: func(t engine.Telemetry) { telemetry = t },
	})

	p.ParseLine(`{"type":"result","subtype":"success","is_error":false,"result":"final answer",
		"total_cost_usd":0.42,"duration_ms":1234,
		"usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":30,"cache_creation_input_tokens":20}}`)

	assert.Equal(t, int64(150), telemetry.TokensIn, "input includes cache read and creation")
	assert.Equal(t, int64(50), telemetry.TokensOut)
	assert.Equal(t, int64(30), telemetry.Cached)
	assert.Equal(t, 0.42, telemetry.CostUSD)
	assert.Equal(t, int64(1234), telemetry.DurationMS)

	result := p.Result()
	assert.Equal(t, "final answer", result.Output)
	assert.Empty(t, p.StreamError())
}

func TestParseErrorResultExitingZero(t *testing.T) {
	p := newStreamParser(engine.RunOptions{})

	p.ParseLine(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"rate limited"}`)

	assert.Equal(t, "rate limited", p.StreamError())
}

func TestParseNonJSONPassthrough(t *testing.T) {
	var lines []string
	p := newStreamParser(engine.RunOptions{
		OnData: func(line string) { lines = append(lines, line) },
	})

	p.ParseLine("plain progress text")
	assert.Equal(t, []string{"plain progress text"}, lines)
}

func TestResultFallsBackToAssistantText(t *testing.T) {
	p := newStreamParser(engine.RunOptions{})

	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"part one"}]}}`)
	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"part two"}]}}`)

	assert.Equal(t, "part one\npart two", p.Result().Output)
}
