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

/*
Package cli provides the root command and shared configuration for the
agenttrace CLI.

This package creates the Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual
commands are implemented in the internal/commands subpackages.

# Command Tree

	agenttrace
	├── traces        List trace records (sessions, functions, tags, kinds, tail, show, timeline)
	├── evals         List evaluations (events, delete, run, report)
	├── prune         Delete old records
	├── key           Manage the payload encryption key (generate, derive, status)
	├── version       Show version
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	if err := cli.NewApp().Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable debug logging
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file
	--db             Path to the trace database

# Error Handling

Errors are handled centrally to ensure proper exit codes:

  - Exit 0: Success
  - Exit 1: General error
  - Exit 2: Invalid configuration or flags
  - Exit 3: Trace database error
  - Exit 4: Evaluation task failed
  - Exit 5: Trace, session, evaluation or database not found
  - Exit 130: Cancelled
*/
package cli
