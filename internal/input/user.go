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

package input

import (
	"context"

	"github.com/moazbuilds/codemachine/internal/events"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// Message is the payload the CLI frontend publishes on the bus when the user
// types something while the engine waits.
type Message struct {
	Prompt string
	Skip   bool
	Stop   bool
}

// UserProvider sources instructions from the process-level input channel
// (the event bus). It resolves with the switch-to-auto sentinel when it
// observes the mode flipping to auto while it waits; an Abort, which the
// mode issues to the outgoing provider before announcing the flip, ends the
// wait with errors.ErrAborted instead.
type UserProvider struct {
	emitter *events.Emitter

	abortC chan struct{}
}

// NewUserProvider creates the user input provider.
func NewUserProvider(emitter *events.Emitter) *UserProvider {
	return &UserProvider{
		emitter: emitter,
		abortC:  make(chan struct{}, 1),
	}
}

// ID implements Provider.
func (p *UserProvider) ID() string { return "user" }

// Activate implements Provider.
func (p *UserProvider) Activate() {
	p.emitter.InputStateSet(events.InputStatePayload{Waiting: false, AutoMode: false})
}

// Deactivate implements Provider.
func (p *UserProvider) Deactivate() {}

// Abort implements Provider.
func (p *UserProvider) Abort() {
	select {
	case p.abortC <- struct{}{}:
	default:
	}
}

// GetInput implements Provider. It announces that the engine is waiting,
// then blocks for a user message, a mode change to auto, or an abort.
func (p *UserProvider) GetInput(ctx context.Context, in Context) (*Result, error) {
	bus := p.emitter.Bus()

	msgC := make(chan Message, 1)
	offMsg := bus.On(events.InputMessage, func(e events.Event) {
		if msg, ok := e.Payload.(Message); ok {
			select {
			case msgC <- msg:
			default:
			}
		}
	})
	defer offMsg()

	modeC := make(chan struct{}, 1)
	offMode := bus.On(events.ModeChanged, func(e events.Event) {
		if state, ok := e.Payload.(events.InputStatePayload); ok && state.AutoMode {
			select {
			case modeC <- struct{}{}:
			default:
			}
		}
	})
	defer offMode()

	p.emitter.InputWaiting(in.StepIndex)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.abortC:
		return nil, errors.ErrAborted
	case <-modeC:
		return &Result{Type: TypeInput, Value: SwitchToAutoSentinel, Source: "user"}, nil
	case msg := <-msgC:
		return p.resolve(in, msg), nil
	}
}

func (p *UserProvider) resolve(in Context, msg Message) *Result {
	switch {
	case msg.Stop:
		return &Result{Type: TypeStop}
	case msg.Skip:
		return &Result{Type: TypeSkip}
	case msg.Prompt == "" && in.QueueIndex < len(in.Queue):
		// Empty input with queued prompts: feed the next one.
		p.emitter.InputReceived(in.StepIndex, "queue")
		return &Result{Type: TypeInput, Value: in.Queue[in.QueueIndex], Source: "queue"}
	case msg.Prompt == "":
		// Empty input, no queue: advance.
		return &Result{Type: TypeInput, Value: "", Source: "user"}
	default:
		p.emitter.InputReceived(in.StepIndex, "user")
		return &Result{Type: TypeInput, Value: msg.Prompt, Source: "user"}
	}
}
