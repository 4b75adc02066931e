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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"golang.org/x/term"

	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/internal/input"
)

// frontend is the minimal terminal UI: it answers the engine's input and
// checkpoint waits from stdin. The engine itself never touches the
// terminal; everything flows over the bus.
type frontend struct {
	emitter *events.Emitter
	reader  *bufio.Reader
	isTTY   bool

	requests chan events.Event
	done     chan struct{}
}

func newFrontend(emitter *events.Emitter) *frontend {
	return &frontend{
		emitter:  emitter,
		reader:   bufio.NewReader(os.Stdin),
		isTTY:    term.IsTerminal(int(os.Stdin.Fd())),
		requests: make(chan events.Event, 16),
		done:     make(chan struct{}),
	}
}

// start subscribes to the engine's wait events and serves them from one
// goroutine so stdin has a single reader.
func (f *frontend) start(ctx context.Context) func() {
	offInput := f.emitter.Bus().On(events.InputWaiting, f.enqueue)
	offCheckpoint := f.emitter.Bus().On(events.CheckpointState, f.enqueue)

	go f.serve(ctx)

	return func() {
		offInput()
		offCheckpoint()
		close(f.done)
	}
}

func (f *frontend) enqueue(e events.Event) {
	select {
	case f.requests <- e:
	default:
	}
}

func (f *frontend) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case e := <-f.requests:
			switch e.Type {
			case events.InputWaiting:
				f.handleInput()
			case events.CheckpointState:
				f.handleCheckpoint(e)
			}
		}
	}
}

// handleInput reads one instruction line. /skip and /stop translate into
// their message forms; everything else is steering (empty means advance).
func (f *frontend) handleInput() {
	if f.isTTY {
		fmt.Fprint(os.Stderr, "> ")
	}
	line, err := f.reader.ReadString('\n')
	if err != nil {
		f.emitter.Bus().Emit(events.Event{Type: events.InputMessage, Payload: input.Message{Stop: true}})
		return
	}

	line = strings.TrimRight(line, "\r\n")
	msg := input.Message{Prompt: line}
	switch strings.TrimSpace(line) {
	case "/skip":
		msg = input.Message{Skip: true}
	case "/stop":
		msg = input.Message{Stop: true}
	}
	f.emitter.Bus().Emit(events.Event{Type: events.InputMessage, Payload: msg})
}

// handleCheckpoint resolves a checkpoint: an interactive select on a TTY, a
// bare continue/quit line otherwise.
func (f *frontend) handleCheckpoint(e events.Event) {
	reason := ""
	if p, ok := e.Payload.(events.CheckpointPayload); ok {
		reason = p.Reason
	}

	resolution := "continue"
	if f.isTTY {
		prompt := &survey.Select{
			Message: checkpointMessage(reason),
			Options: []string{"continue", "quit"},
			Default: "continue",
		}
		if err := survey.AskOne(prompt, &resolution); err != nil {
			resolution = "quit"
		}
	} else {
		line, err := f.reader.ReadString('\n')
		if err != nil || strings.TrimSpace(line) == "quit" {
			resolution = "quit"
		}
	}

	f.emitter.Bus().Emit(events.Event{Type: events.CheckpointResolve, Payload: resolution})
}

func checkpointMessage(reason string) string {
	if reason == "" {
		return "Checkpoint reached. Continue?"
	}
	return "Checkpoint: " + reason + ". Continue?"
}
