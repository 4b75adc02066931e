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

package codex

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/moazbuilds/codemachine/internal/engine"
)

// codexEvent is the nd-JSON envelope codex exec emits: thread.started,
// turn.started, item.started, item.completed, turn.completed, turn.failed,
// error. Items carry their own type (agent_message, reasoning,
// command_execution, mcp_tool_call, error).
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`

	Item struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Command  string `json:"command"`
		Name     string `json:"name"`
		ExitCode *int   `json:"exit_code"`
	} `json:"item"`

	Usage struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`

	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// eventParser folds codex events into the engine contract's streams.
type eventParser struct {
	opts engine.RunOptions

	threadID  string
	telemetry engine.Telemetry
	errMsg    string
	messages  []string
}

func newEventParser(opts engine.RunOptions) *eventParser {
	return &eventParser{opts: opts}
}

// ParseLine consumes one stdout line; non-JSON lines pass through raw.
func (p *eventParser) ParseLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var ev codexEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		p.emit(line)
		return
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" && p.threadID == "" {
			p.threadID = ev.ThreadID
			if p.opts.OnSessionID != nil {
				p.opts.OnSessionID(ev.ThreadID)
			}
		}
		p.emit(engine.RenderStatus("thread started"))
	case "turn.started":
		p.emit(engine.RenderStatus("turn started"))
	case "item.started":
		p.handleItemStarted(ev)
	case "item.completed":
		p.handleItemCompleted(ev)
	case "turn.completed":
		p.telemetry = engine.Telemetry{
			TokensIn:  ev.Usage.InputTokens,
			TokensOut: ev.Usage.OutputTokens,
			Cached:    ev.Usage.CachedInputTokens,
		}
		if p.opts.OnTelemetry != nil {
			p.opts.OnTelemetry(p.telemetry)
		}
		p.emit(engine.RenderSummary(fmt.Sprintf(
			"turn done · %d in / %d out tokens",
			p.telemetry.TokensIn, p.telemetry.TokensOut)))
	case "turn.failed":
		p.fail(ev.Error.Message)
	case "error":
		p.fail(ev.Message)
	}
}

func (p *eventParser) handleItemStarted(ev codexEvent) {
	switch ev.Item.Type {
	case "command_execution":
		p.emit(engine.RenderToolStart("shell: " + ev.Item.Command))
	case "mcp_tool_call":
		p.emit(engine.RenderToolStart(ev.Item.Name))
	}
}

func (p *eventParser) handleItemCompleted(ev codexEvent) {
	switch ev.Item.Type {
	case "agent_message":
		if ev.Item.Text != "" {
			p.messages = append(p.messages, ev.Item.Text)
			p.emit(ev.Item.Text)
		}
	case "reasoning":
		if ev.Item.Text != "" {
			p.emit(engine.RenderThinking(firstLine(ev.Item.Text)))
		}
	case "command_execution":
		name := "shell: " + ev.Item.Command
		if ev.Item.ExitCode != nil && *ev.Item.ExitCode != 0 {
			p.emit(engine.RenderToolError(name, fmt.Sprintf("exit %d", *ev.Item.ExitCode)))
		} else {
			p.emit(engine.RenderToolSuccess(name))
		}
	case "mcp_tool_call":
		p.emit(engine.RenderToolSuccess(ev.Item.Name))
	case "error":
		p.fail(ev.Item.Text)
	}
}

func (p *eventParser) fail(msg string) {
	if msg == "" {
		msg = "engine reported an error"
	}
	if p.errMsg == "" {
		p.errMsg = msg
	}
	p.emit(engine.RenderToolError("engine", msg))
}

func (p *eventParser) emit(line string) {
	if p.opts.OnData != nil {
		p.opts.OnData(line)
	}
}

// StreamError returns the first failure message seen in the stream.
func (p *eventParser) StreamError() string {
	return p.errMsg
}

// BestErrorMessage prefers the in-stream error over the fallback.
func (p *eventParser) BestErrorMessage(fallback string) string {
	if p.errMsg != "" {
		return p.errMsg
	}
	return fallback
}

// Result assembles the run outcome.
func (p *eventParser) Result() *engine.Result {
	return &engine.Result{
		Output:    strings.Join(p.messages, "\n\n"),
		SessionID: p.threadID,
		Telemetry: p.telemetry,
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
