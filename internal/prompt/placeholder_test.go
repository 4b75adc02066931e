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

package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moazbuilds/codemachine/internal/config"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

type fakeContext struct {
	project    string
	track      string
	conditions []string
}

func (f *fakeContext) ProjectName() string          { return f.project }
func (f *fakeContext) SelectedTrack() string        { return f.track }
func (f *fakeContext) SelectedConditions() []string { return f.conditions }

func newTestProcessor(t *testing.T, userFiles map[string]string) (*Processor, string) {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range userFiles {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg := &config.PlaceholderConfig{
		UserDir: map[string]string{
			"brief":  "artifacts/brief.md",
			"newest": "artifacts/doc-*.md",
		},
		PackageDir: map[string]string{},
	}
	ctx := &fakeContext{project: "demo", track: "mvp", conditions: []string{"a", "b"}}
	return NewProcessor(cfg, dir, dir, ctx), dir
}

func TestProcessBuiltins(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	out, err := p.Process(context.Background(), "today is {date}")
	require.NoError(t, err)
	assert.Regexp(t, `today is \d{4}-\d{2}-\d{2}`, out)
	assert.NotContains(t, out, "{date}")
}

func TestProcessContextBuiltins(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	out, err := p.Process(context.Background(), "{project_name} / {selected_track} / {selected_conditions}")
	require.NoError(t, err)
	assert.Equal(t, "demo / mvp / a, b", out)
}

func TestProcessConfiguredFile(t *testing.T) {
	p, _ := newTestProcessor(t, map[string]string{
		"artifacts/brief.md": "the brief",
	})

	out, err := p.Process(context.Background(), "context: {brief}")
	require.NoError(t, err)
	assert.Equal(t, "context: the brief", out)
}

func TestProcessRequiredMissing(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	_, err := p.Process(context.Background(), "context: {brief}")
	require.Error(t, err)

	var placeholderErr *errors.PlaceholderError
	require.ErrorAs(t, err, &placeholderErr)
	assert.Equal(t, "brief", placeholderErr.Name)
	assert.NotEmpty(t, placeholderErr.Path)
}

func TestProcessOptionalMissing(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	out, err := p.Process(context.Background(), "context:{!brief}end")
	require.NoError(t, err)
	assert.Equal(t, "context:end", out)
}

func TestProcessUnknownLeftUntouched(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	out, err := p.Process(context.Background(), "keep {not_configured} and {!also_unknown}")
	require.NoError(t, err)
	assert.Equal(t, "keep {not_configured} and {!also_unknown}", out)
}

func TestProcessGlobPicksNewest(t *testing.T) {
	p, dir := newTestProcessor(t, map[string]string{
		"artifacts/doc-old.md": "old",
		"artifacts/doc-new.md": "new",
	})

	old := filepath.Join(dir, "artifacts", "doc-old.md")
	recent := filepath.Join(dir, "artifacts", "doc-new.md")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	now := time.Now()
	require.NoError(t, os.Chtimes(recent, now, now))

	out, err := p.Process(context.Background(), "{newest}")
	require.NoError(t, err)
	assert.Equal(t, "new", out)
}

func TestCacheInvalidatesOnMtimeChange(t *testing.T) {
	p, dir := newTestProcessor(t, map[string]string{
		"artifacts/brief.md": "v1",
	})
	path := filepath.Join(dir, "artifacts", "brief.md")

	out, err := p.Process(context.Background(), "{brief}")
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	out, err = p.Process(context.Background(), "{brief}")
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

func TestProcessFileMatchesProcess(t *testing.T) {
	p, dir := newTestProcessor(t, map[string]string{
		"artifacts/brief.md": "brief content",
	})

	promptPath := filepath.Join(dir, "prompt.md")
	require.NoError(t, os.WriteFile(promptPath, []byte("ctx: {brief}"), 0o644))

	fromFile, err := p.ProcessFile(context.Background(), promptPath)
	require.NoError(t, err)
	fromString, err := p.Process(context.Background(), "ctx: {brief}")
	require.NoError(t, err)

	assert.Equal(t, fromString, fromFile)
}
