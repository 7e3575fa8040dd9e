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
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/cli/format"
	"github.com/tombee/agenttrace/internal/commands/shared"
	traceerrors "github.com/tombee/agenttrace/pkg/errors"
)

func newShowCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <trace-id>",
		Short: "Show one trace record with its full payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetTrace(cmd.Context(), args[0])
			if traceerrors.IsNotFound(err) {
				return shared.NewNotFoundError(fmt.Sprintf("trace %s not found", args[0]), nil)
			}
			if err != nil {
				return shared.NewStorageError("failed to query traces", err)
			}

			if jsonOut || shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), rec)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", rec.ID)
			fmt.Fprintf(out, "Session:   %s\n", rec.SessionID)
			fmt.Fprintf(out, "Function:  %s\n", rec.FunctionName)
			fmt.Fprintf(out, "Kind:      %s\n", shared.RenderKind(rec.Kind))
			fmt.Fprintf(out, "Time:      %s\n", shared.FormatTime(rec.Timestamp))
			if d := rec.Duration(); d > 0 {
				fmt.Fprintf(out, "Duration:  %s\n", shared.FormatDuration(d))
			}
			if len(rec.Tags) > 0 {
				fmt.Fprintf(out, "Tags:      %s\n", strings.Join(rec.Tags, ", "))
			}

			body, err := format.JSON(rec.Payload, shared.ColorEnabled())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s\n", body)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
