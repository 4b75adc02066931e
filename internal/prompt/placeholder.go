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

// Package prompt resolves {name} and {!name} placeholder tokens in agent
// prompts from built-ins, workflow context, and configured artifact paths.
package prompt

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/moazbuilds/codemachine/internal/config"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// tokenPattern matches {name} and {!name} tokens.
var tokenPattern = regexp.MustCompile(`\{(!)?([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultCacheSize bounds the file content cache.
const DefaultCacheSize = 100

// ContextSource supplies the workflow-context built-ins, backed by the
// template tracking state.
type ContextSource interface {
	ProjectName() string
	SelectedTrack() string
	SelectedConditions() []string
}

type cacheEntry struct {
	content string
	mtime   time.Time
}

// Processor resolves placeholder tokens. Safe for concurrent use.
type Processor struct {
	cfg        *config.PlaceholderConfig
	userDir    string
	packageDir string
	contextSrc ContextSource

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

// NewProcessor creates a processor resolving userDir paths against userDir
// and packageDir paths against packageDir. contextSrc may be nil when no
// tracking state exists yet.
func NewProcessor(cfg *config.PlaceholderConfig, userDir, packageDir string, contextSrc ContextSource) *Processor {
	if cfg == nil {
		cfg = config.DefaultPlaceholderConfig()
	}
	cache, _ := lru.New[string, cacheEntry](DefaultCacheSize)
	return &Processor{
		cfg:        cfg,
		userDir:    userDir,
		packageDir: packageDir,
		contextSrc: contextSrc,
		cache:      cache,
	}
}

// ProcessFile loads a prompt file and resolves its placeholders. Behavior is
// identical to Process on the loaded content.
func (p *Processor) ProcessFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "loading prompt %s", path)
	}
	return p.Process(ctx, string(data))
}

// Process resolves every placeholder token in text. All unique names resolve
// in parallel. Required names that cannot be resolved raise a
// PlaceholderError; optional names substitute the empty string; names absent
// from the config are left untouched.
func (p *Processor) Process(ctx context.Context, text string) (string, error) {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	type token struct {
		name     string
		optional bool
	}
	seen := make(map[string]token)
	for _, m := range matches {
		name := m[2]
		optional := m[1] == "!"
		// A required occurrence anywhere makes the name required.
		if prev, ok := seen[name]; ok {
			seen[name] = token{name: name, optional: prev.optional && optional}
			continue
		}
		seen[name] = token{name: name, optional: optional}
	}

	var mu sync.Mutex
	resolved := make(map[string]string, len(seen))

	g, gctx := errgroup.WithContext(ctx)
	for _, tok := range seen {
		tok := tok
		g.Go(func() error {
			value, found, err := p.resolve(gctx, tok.name)
			if err != nil {
				if tok.optional {
					value, found = "", true
				} else {
					return err
				}
			}
			if !found {
				// Not configured: leave every occurrence untouched.
				return nil
			}
			mu.Lock()
			resolved[tok.name] = value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	out := tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		m := tokenPattern.FindStringSubmatch(match)
		if value, ok := resolved[m[2]]; ok {
			return value
		}
		return match
	})
	return out, nil
}

// resolve produces the value for one placeholder name. found is false when
// the name is unknown to built-ins, context, and config alike.
func (p *Processor) resolve(ctx context.Context, name string) (value string, found bool, err error) {
	if v, ok := p.builtin(name); ok {
		return v, true, nil
	}
	if v, ok := p.contextBuiltin(name); ok {
		return v, true, nil
	}

	if pattern, ok := p.cfg.UserDir[name]; ok {
		path, err := p.resolveGlob(filepath.Join(p.userDir, pattern))
		if err != nil {
			return "", true, &errors.PlaceholderError{Name: name, Path: filepath.Join(p.userDir, pattern), Cause: err}
		}
		content, err := p.readCached(path)
		if err != nil {
			return "", true, &errors.PlaceholderError{Name: name, Path: path, Cause: err}
		}
		return content, true, nil
	}

	if rel, ok := p.cfg.PackageDir[name]; ok {
		path := filepath.Join(p.packageDir, rel)
		content, err := p.readCached(path)
		if err != nil {
			return "", true, &errors.PlaceholderError{Name: name, Path: path, Cause: err}
		}
		return content, true, nil
	}

	return "", false, nil
}

// builtin computes the static built-in placeholders.
func (p *Processor) builtin(name string) (string, bool) {
	now := time.Now()
	switch name {
	case "date":
		return now.Format("2006-01-02"), true
	case "datetime":
		return now.Format(time.RFC3339), true
	case "timestamp":
		return fmt.Sprintf("%d", now.UnixMilli()), true
	case "user_name":
		if u, err := user.Current(); err == nil {
			return u.Username, true
		}
		return os.Getenv("USER"), true
	}
	return "", false
}

// contextBuiltin reads the workflow-context placeholders from tracking
// state.
func (p *Processor) contextBuiltin(name string) (string, bool) {
	if p.contextSrc == nil {
		return "", false
	}
	switch name {
	case "project_name":
		return p.contextSrc.ProjectName(), true
	case "selected_track":
		return p.contextSrc.SelectedTrack(), true
	case "selected_conditions":
		return strings.Join(p.contextSrc.SelectedConditions(), ", "), true
	}
	return "", false
}

// resolveGlob expands a pattern, picking the newest match by mtime. A
// pattern without meta characters resolves to itself.
func (p *Processor) resolveGlob(pattern string) (string, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		return pattern, nil
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}

	newest := ""
	var newestMtime time.Time
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMtime) {
			newest = match
			newestMtime = info.ModTime()
		}
	}
	if newest == "" {
		return "", os.ErrNotExist
	}
	return newest, nil
}

// readCached loads a file through the bounded mtime-validated cache.
func (p *Processor) readCached(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if entry, ok := p.cache.Get(abs); ok && entry.mtime.Equal(info.ModTime()) {
		p.mu.Unlock()
		return entry.content, nil
	}
	p.mu.Unlock()

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cache.Add(abs, cacheEntry{content: string(data), mtime: info.ModTime()})
	p.mu.Unlock()

	return string(data), nil
}
