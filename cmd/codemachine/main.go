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

package main

import (
	"fmt"
	"os"

	"github.com/moazbuilds/codemachine/internal/cli"
	"github.com/moazbuilds/codemachine/internal/commands/mcpserve"
	"github.com/moazbuilds/codemachine/internal/commands/run"
	versioncmd "github.com/moazbuilds/codemachine/internal/commands/version"
	"github.com/moazbuilds/codemachine/pkg/errors"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(mcpserve.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var validationErr *errors.ValidationError
		if errors.As(err, &validationErr) && validationErr.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", validationErr.Suggestion)
		}
		os.Exit(1)
	}
}
