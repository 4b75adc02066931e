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

package run

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/moazbuilds/codemachine/internal/tracking"
	"github.com/moazbuilds/codemachine/internal/workflow"
)

// runOnboarding collects the project name, track, and conditions on the
// first run of a template. Non-interactive sessions fall back to the
// directory name and the first track.
func runOnboarding(tmpl *workflow.Template, tracker *tracking.Manager, workingDir string) error {
	if tracker.ProjectName() != "" {
		return nil
	}

	projectName := filepath.Base(workingDir)
	selectedTrack := ""
	var selectedConditions []string

	if len(tmpl.Tracks) > 0 {
		selectedTrack = tmpl.Tracks[0].ID
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		var fields []huh.Field

		fields = append(fields, huh.NewInput().
			Title("Project name").
			Value(&projectName))

		if len(tmpl.Tracks) > 0 {
			options := make([]huh.Option[string], len(tmpl.Tracks))
			for i, track := range tmpl.Tracks {
				options[i] = huh.NewOption(track.Name, track.ID)
			}
			fields = append(fields, huh.NewSelect[string]().
				Title("Track").
				Options(options...).
				Value(&selectedTrack))
		}

		groupPicks := make([][]string, len(tmpl.ConditionGroups))
		for gi, group := range tmpl.ConditionGroups {
			options := make([]huh.Option[string], len(group.Options))
			for i, opt := range group.Options {
				options[i] = huh.NewOption(opt, opt)
			}
			title := group.Prompt
			if title == "" {
				title = group.ID
			}
			fields = append(fields, huh.NewMultiSelect[string]().
				Title(title).
				Options(options...).
				Value(&groupPicks[gi]))
		}

		form := huh.NewForm(huh.NewGroup(fields...))
		if err := form.Run(); err != nil {
			return err
		}

		for _, picks := range groupPicks {
			selectedConditions = append(selectedConditions, picks...)
		}
	}

	// The chosen track contributes its implied conditions.
	for _, track := range tmpl.Tracks {
		if track.ID == selectedTrack {
			selectedConditions = append(selectedConditions, track.Conditions...)
		}
	}

	return tracker.SetOnboarding(projectName, selectedTrack, dedupe(selectedConditions))
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
