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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/moazbuilds/codemachine/internal/engine"
)

// streamRecord is the subset of the claude stream-json envelope the parser
// consumes. Unknown record types are passed through as raw lines.
type streamRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Error     string `json:"error"`
	Result    string `json:"result"`

	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Usage        struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Input     json.RawMessage `json:"input"`
}

// streamParser folds the claude stream into rendered lines, telemetry, the
// session id, and the final result text. One instance per run.
type streamParser struct {
	opts engine.RunOptions

	sessionID  string
	telemetry  engine.Telemetry
	resultText string
	errMsg     string

	// toolNames maps tool_use ids to names so results render with the
	// originating tool.
	toolNames map[string]string

	// textParts collects assistant text when no result record arrives.
	textParts []string
}

func newStreamParser(opts engine.RunOptions) *streamParser {
	return &streamParser{opts: opts, toolNames: make(map[string]string)}
}

// ParseLine consumes one stdout line. Lines that are not valid JSON are
// emitted raw; a parse error is never fatal.
func (p *streamParser) ParseLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var rec streamRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		p.emit(line)
		return
	}

	if rec.SessionID != "" && p.sessionID == "" {
		p.sessionID = rec.SessionID
		if p.opts.OnSessionID != nil {
			p.opts.OnSessionID(rec.SessionID)
		}
	}

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" {
			p.emit(engine.RenderStatus("session started"))
		}
	case "assistant":
		p.handleAssistant(rec)
	case "user":
		p.handleToolResults(rec)
	case "result":
		p.handleResult(rec)
	default:
		if rec.IsError || rec.Error != "" {
			p.recordError(rec)
		}
	}
}

func (p *streamParser) handleAssistant(rec streamRecord) {
	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				p.textParts = append(p.textParts, block.Text)
				p.emit(block.Text)
			}
		case "thinking":
			if block.Thinking != "" {
				p.emit(engine.RenderThinking(firstLine(block.Thinking)))
			}
		case "tool_use":
			p.toolNames[block.ID] = block.Name
			p.emit(engine.RenderToolStart(block.Name))
		}
	}
}

func (p *streamParser) handleToolResults(rec streamRecord) {
	for _, block := range rec.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		name := p.toolNames[block.ToolUseID]
		if name == "" {
			name = "tool"
		}
		if block.IsError {
			p.emit(engine.RenderToolError(name, ""))
		} else {
			p.emit(engine.RenderToolSuccess(name))
		}
	}
}

func (p *streamParser) handleResult(rec streamRecord) {
	p.telemetry = engine.Telemetry{
		TokensIn: rec.Usage.InputTokens + rec.Usage.CacheReadInputTokens +
			rec.Usage.CacheCreationInputTokens,
		TokensOut:  rec.Usage.OutputTokens,
		Cached:     rec.Usage.CacheReadInputTokens,
		CostUSD:    rec.TotalCostUSD,
		DurationMS: rec.DurationMS,
	}
	if p.opts.OnTelemetry != nil {
		p.opts.OnTelemetry(p.telemetry)
	}

	if rec.IsError {
		p.recordError(rec)
		return
	}

	p.resultText = rec.Result
	p.emit(engine.RenderSummary(fmt.Sprintf(
		"done in %.1fs · %d in / %d out tokens · $%.4f",
		float64(rec.DurationMS)/1000, p.telemetry.TokensIn, p.telemetry.TokensOut,
		rec.TotalCostUSD)))
}

func (p *streamParser) recordError(rec streamRecord) {
	msg := rec.Error
	if msg == "" {
		msg = rec.Result
	}
	if msg == "" {
		msg = "engine reported an error"
	}
	if p.errMsg == "" {
		p.errMsg = msg
	}
	p.emit(engine.RenderToolError("engine", msg))
}

func (p *streamParser) emit(line string) {
	if p.opts.OnData != nil {
		p.opts.OnData(line)
	}
}

// StreamError returns the first in-stream error message, if any.
func (p *streamParser) StreamError() string {
	return p.errMsg
}

// BestErrorMessage prefers the in-stream error over the fallback.
func (p *streamParser) BestErrorMessage(fallback string) string {
	if p.errMsg != "" {
		return p.errMsg
	}
	return fallback
}

// Result assembles the run outcome.
func (p *streamParser) Result() *engine.Result {
	output := p.resultText
	if output == "" {
		output = strings.Join(p.textParts, "\n")
	}
	return &engine.Result{
		Output:    output,
		SessionID: p.sessionID,
		Telemetry: p.telemetry,
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
