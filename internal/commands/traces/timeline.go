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

package traces

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/cli/timeline"
	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/observability"
)

func newTimelineCommand() *cobra.Command {
	var (
		width int
		limit int
	)

	cmd := &cobra.Command{
		Use:   "timeline <session-id>",
		Short: "Draw the calls of one session on a timeline",
		Long: `Draw every record of a session as a bar positioned by start time and
scaled by duration. Calls that started inside another call are indented
beneath it. A call that never completed is drawn to the end of the session
and marked ✗.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]

			r, err := timeline.NewRenderer(width)
			if err != nil {
				return shared.NewConfigError("cannot draw timeline", err)
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.QueryTraces(cmd.Context(), observability.TraceFilter{
				SessionID: sessionID,
				Limit:     limit,
			})
			if err != nil {
				return shared.NewStorageError("failed to query traces", err)
			}
			if len(records) == 0 {
				return shared.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID), nil)
			}

			out, err := r.Render(sessionID, records)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 0, "Output width in columns (default: terminal width)")
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum number of records to draw")
	return cmd
}
