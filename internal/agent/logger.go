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
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/moazbuilds/codemachine/pkg/errors"
)

// promptHeader delimits the originally-sent prompt at the top of a log so
// the UI can show the initiating instruction.
const (
	promptHeaderOpen  = "===== PROMPT ====="
	promptHeaderClose = "===== OUTPUT ====="
)

var logNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Logger maintains one append-only log file per monitoring id. It owns only
// the file handles, not the agent identity, so it survives the monitor being
// cleared. Writes are single-writer per id; reads take snapshots.
type Logger struct {
	dir string

	mu    sync.Mutex
	files map[int]*logFile
}

type logFile struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewLogger creates a logger writing under dir.
func NewLogger(dir string) *Logger {
	return &Logger{dir: dir, files: make(map[int]*logFile)}
}

// LogPath computes the log file path for an agent run:
// agent-{id}-{name}-{timestamp}.log under the logger's directory.
func (l *Logger) LogPath(id int, name string) string {
	stamp := time.Now().Format("2006-01-02T15-04-05")
	safe := logNameSanitizer.ReplaceAllString(name, "-")
	return filepath.Join(l.dir, fmt.Sprintf("agent-%d-%s-%s.log", id, safe, stamp))
}

// Open creates the log file for a monitoring id.
func (l *Logger) Open(id int, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening agent log %s", path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.files[id]; ok {
		prev.mu.Lock()
		prev.f.Close()
		prev.mu.Unlock()
	}
	l.files[id] = &logFile{path: path, f: f}
	return nil
}

// StoreFullPrompt writes the originally-sent prompt into the log header.
func (l *Logger) StoreFullPrompt(id int, prompt string) error {
	header := promptHeaderOpen + "\n" + strings.TrimRight(prompt, "\n") + "\n" + promptHeaderClose + "\n"
	return l.Write(id, header)
}

// Write appends text to the agent's log. Chunks for one id are appended in
// call order.
func (l *Logger) Write(id int, text string) error {
	lf, err := l.lookup(id)
	if err != nil {
		return err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	_, err = lf.f.WriteString(text)
	return err
}

// WriteLine appends text with a trailing newline.
func (l *Logger) WriteLine(id int, line string) error {
	return l.Write(id, line+"\n")
}

// ReadOptions selects the window a Read returns.
type ReadOptions struct {
	// FromByte is the offset to read from.
	FromByte int64
	// Limit caps the number of bytes returned; zero means no cap.
	Limit int64
}

// Read returns a snapshot of the log from the given offset and the offset to
// pass on the next call.
func (l *Logger) Read(id int, opts ReadOptions) (string, int64, error) {
	lf, err := l.lookup(id)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(lf.path)
	if err != nil {
		return "", 0, errors.Wrapf(err, "reading agent log %s", lf.path)
	}
	defer f.Close()

	if opts.FromByte > 0 {
		if _, err := f.Seek(opts.FromByte, io.SeekStart); err != nil {
			return "", 0, err
		}
	}

	var data []byte
	if opts.Limit > 0 {
		data = make([]byte, opts.Limit)
		n, readErr := io.ReadFull(f, data)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return "", 0, readErr
		}
		data = data[:n]
	} else {
		data, err = io.ReadAll(f)
		if err != nil {
			return "", 0, err
		}
	}

	return string(data), opts.FromByte + int64(len(data)), nil
}

// Path returns the file path behind a monitoring id.
func (l *Logger) Path(id int) (string, error) {
	lf, err := l.lookup(id)
	if err != nil {
		return "", err
	}
	return lf.path, nil
}

// Close releases the handle for one monitoring id.
func (l *Logger) Close(id int) error {
	l.mu.Lock()
	lf, ok := l.files[id]
	delete(l.files, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Close()
}

// CloseAll releases every open handle.
func (l *Logger) CloseAll() {
	l.mu.Lock()
	files := l.files
	l.files = make(map[int]*logFile)
	l.mu.Unlock()
	for _, lf := range files {
		lf.mu.Lock()
		lf.f.Close()
		lf.mu.Unlock()
	}
}

func (l *Logger) lookup(id int) (*logFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lf, ok := l.files[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "agent log", ID: fmt.Sprintf("%d", id)}
	}
	return lf, nil
}
