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

package engine

import "github.com/charmbracelet/lipgloss"

// Stream line markers shared by all adapters so logs render consistently.
var (
	toolStartStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	toolOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	toolErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	thinkingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	summaryStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
)

// RenderToolStart formats the start of a tool invocation.
func RenderToolStart(name string) string {
	return toolStartStyle.Render("▶ " + name)
}

// RenderToolSuccess formats a successful tool result line.
func RenderToolSuccess(name string) string {
	return toolOKStyle.Render("✔ " + name)
}

// RenderToolError formats a failed tool result line.
func RenderToolError(name, detail string) string {
	line := "✖ " + name
	if detail != "" {
		line += ": " + detail
	}
	return toolErrStyle.Render(line)
}

// RenderThinking formats a reasoning/thinking fragment.
func RenderThinking(text string) string {
	return thinkingStyle.Render("… " + text)
}

// RenderStatus formats an engine status line.
func RenderStatus(text string) string {
	return statusStyle.Render("• " + text)
}

// RenderSummary formats the end-of-run summary line.
func RenderSummary(text string) string {
	return summaryStyle.Render("∑ " + text)
}
