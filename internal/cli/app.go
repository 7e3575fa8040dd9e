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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/commands/evals"
	"github.com/tombee/agenttrace/internal/commands/key"
	"github.com/tombee/agenttrace/internal/commands/prune"
	"github.com/tombee/agenttrace/internal/commands/traces"
	"github.com/tombee/agenttrace/internal/commands/version"
)

// Command groups shown in help output.
const (
	groupInspect  = "inspect"
	groupMaintain = "maintain"
)

// NewApp returns the root command with every subcommand registered.
func NewApp() *cobra.Command {
	root := NewRootCommand()
	root.AddGroup(
		&cobra.Group{ID: groupInspect, Title: "Inspect Commands:"},
		&cobra.Group{ID: groupMaintain, Title: "Maintenance Commands:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			root.AddCommand(c)
		}
	}
	add(groupInspect, traces.NewCommand(), evals.NewCommand())
	add(groupMaintain, prune.NewCommand(), key.NewCommand())
	root.AddCommand(version.NewVersionCommand())

	root.SetHelpCommand(NewHelpCommand(root))
	return root
}
