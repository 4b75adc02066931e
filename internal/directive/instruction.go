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
	"strings"
)

var queryInstruction = mustQuery(`.instruction // .prompt // .input // empty`)

// ExtractInstruction pulls the controller's next instruction out of its
// output: a fenced JSON block with an instruction field wins, otherwise the
// whole trimmed output is the instruction. Returns false for empty output.
func ExtractInstruction(output string) (string, bool) {
	matches := fencedJSON.FindAllStringSubmatch(output, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		payload := strings.TrimSpace(matches[i][1])
		var doc any
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			continue
		}
		if s, ok := evalString(queryInstruction, doc); ok && s != "" {
			return s, true
		}
	}

	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}
