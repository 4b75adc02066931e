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

package directive

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"
)

// DirectiveFileName is the sidecar an agent writes into the working
// directory. The decoder consumes and deletes it.
const DirectiveFileName = "directive.json"

// fencedJSON matches ```json ...``` (and bare ```) code fences.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n\\s*```")

// Field queries tolerate both camelCase and snake_case payloads; agents are
// not reliable about either.
var (
	queryAction        = mustQuery(`.action // .type // empty`)
	queryReason        = mustQuery(`.reason // .message // empty`)
	queryTriggerAgent  = mustQuery(`.triggerAgentId // .trigger_agent_id // empty`)
	queryStepsBack     = mustQuery(`.stepsBack // .steps_back // empty`)
	querySkipList      = mustQuery(`.skipList // .skip_list // empty`)
	queryMaxIterations = mustQuery(`.maxIterations // .max_iterations // empty`)
)

func mustQuery(src string) *gojq.Query {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(err)
	}
	return q
}

// Decoder reads and normalizes directives.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder creates a decoder.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Decode finds the step's directive: the directive.json sidecar first
// (consumed and deleted), else the last fenced JSON block in the agent's
// output. Absent or unparseable directives normalize to Continue; a parse
// failure is logged at debug level, never raised.
func (d *Decoder) Decode(workingDir, output string) Action {
	if action, ok := d.decodeFile(filepath.Join(workingDir, DirectiveFileName)); ok {
		return action
	}
	if action, ok := d.decodeTrailing(output); ok {
		return action
	}
	return ContinueAction()
}

func (d *Decoder) decodeFile(path string) (Action, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Action{}, false
	}
	// Consume: the file is single-producer, single-consumer.
	if err := os.Remove(path); err != nil {
		d.logger.Debug("failed to delete directive file", "path", path, "error", err)
	}

	action, ok := d.normalize(data)
	if !ok {
		d.logger.Debug("unparseable directive file treated as continue",
			"path", path, "payload", string(data))
		return ContinueAction(), true
	}
	return action, true
}

// decodeTrailing scans the output for the last fenced JSON block carrying an
// action field.
func (d *Decoder) decodeTrailing(output string) (Action, bool) {
	matches := fencedJSON.FindAllStringSubmatch(output, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		payload := strings.TrimSpace(matches[i][1])
		if !strings.HasPrefix(payload, "{") {
			continue
		}
		if action, ok := d.normalize([]byte(payload)); ok {
			return action, true
		}
	}
	return Action{}, false
}

// normalize maps an arbitrary JSON payload onto the Action sum type. An
// unknown action kind is preserved in debug logs and treated as Continue.
func (d *Decoder) normalize(data []byte) (Action, bool) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Action{}, false
	}

	kindStr, ok := evalString(queryAction, doc)
	if !ok {
		return Action{}, false
	}

	action := Action{
		Kind:           Kind(strings.ToLower(kindStr)),
		Reason:         evalStringOr(queryReason, doc, ""),
		TriggerAgentID: evalStringOr(queryTriggerAgent, doc, ""),
		StepsBack:      evalInt(queryStepsBack, doc),
		SkipList:       evalStrings(querySkipList, doc),
		MaxIterations:  evalInt(queryMaxIterations, doc),
	}

	switch action.Kind {
	case Continue, Loop, Checkpoint, Trigger, Stop, Error, Pause:
	default:
		d.logger.Debug("unknown directive action treated as continue",
			"action", kindStr, "payload", string(data))
		action = ContinueAction()
	}
	return action, true
}

func evalString(q *gojq.Query, doc any) (string, bool) {
	iter := q.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return "", false
	}
	if _, isErr := v.(error); isErr {
		return "", false
	}
	s, isStr := v.(string)
	return s, isStr
}

func evalStringOr(q *gojq.Query, doc any, fallback string) string {
	if s, ok := evalString(q, doc); ok {
		return s
	}
	return fallback
}

func evalInt(q *gojq.Query, doc any) int {
	iter := q.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func evalStrings(q *gojq.Query, doc any) []string {
	iter := q.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	items, isSlice := v.([]any)
	if !isSlice {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, isStr := item.(string); isStr {
			out = append(out, s)
		}
	}
	return out
}
