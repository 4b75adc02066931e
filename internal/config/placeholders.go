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

package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// PlaceholderConfig maps placeholder names to file paths. Names are looked
// up in UserDir first, then PackageDir. UserDir values may contain glob
// patterns; resolution picks the newest matching file by mtime.
type PlaceholderConfig struct {
	// UserDir paths are relative to the user's project directory.
	UserDir map[string]string `yaml:"userDir"`

	// PackageDir paths are relative to the package install directory.
	PackageDir map[string]string `yaml:"packageDir"`
}

// DefaultPlaceholderConfig returns the built-in placeholder map covering the
// standard workflow artifacts.
func DefaultPlaceholderConfig() *PlaceholderConfig {
	return &PlaceholderConfig{
		UserDir: map[string]string{
			"product_brief":     ".codemachine/artifacts/*product-brief*.md",
			"prd":               ".codemachine/artifacts/*prd*.md",
			"ux_design_spec":    ".codemachine/artifacts/*ux-design*.md",
			"bmad_architecture": ".codemachine/artifacts/*architecture*.md",
			"epics":             ".codemachine/artifacts/*epics*.md",
		},
		PackageDir: map[string]string{
			"architecture_template": "prompts/templates/architecture.md",
			"prd_template":          "prompts/templates/prd.md",
			"review_checklist":      "prompts/templates/checklists/review.md",
		},
	}
}

// LoadPlaceholderConfig reads a placeholder config file, merging it over the
// defaults. A missing file yields the defaults unchanged.
func LoadPlaceholderConfig(path string) (*PlaceholderConfig, error) {
	cfg := DefaultPlaceholderConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	var overlay PlaceholderConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, err
	}

	for name, p := range overlay.UserDir {
		cfg.UserDir[name] = p
	}
	for name, p := range overlay.PackageDir {
		cfg.PackageDir[name] = p
	}

	return cfg, nil
}
