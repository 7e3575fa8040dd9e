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

package evals

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/observability"
)

func newEventsCommand() *cobra.Command {
	var (
		filter   observability.EvalEventFilter
		kind     string
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List evaluation lifecycle events",
		Long:  `List EVAL_START, EVAL_STEP and EVAL_END events, most recent first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" {
				filter.Kind = observability.EvalEventKind(strings.ToUpper(kind))
				switch filter.Kind {
				case observability.EvalEventStart, observability.EvalEventStep, observability.EvalEventEnd:
				default:
					return shared.NewConfigError(fmt.Sprintf("invalid --kind %q: want EVAL_START, EVAL_STEP or EVAL_END", kind), nil)
				}
			}
			if filter.Limit <= 0 {
				return shared.NewConfigError("--limit must be positive", nil)
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.QueryEvalEvents(cmd.Context(), filter)
			if err != nil {
				return shared.NewStorageError("failed to query evaluation events", err)
			}

			if jsonFlag || shared.GetJSON() {
				if events == nil {
					events = []*observability.EvalEvent{}
				}
				return shared.EmitJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				if !shared.GetQuiet() {
					fmt.Fprintln(cmd.OutOrStdout(), "No evaluation events found")
				}
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tNAME\tEVAL ID\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					shared.FormatTime(e.Timestamp), e.Kind, e.Name, e.EvalID,
					shared.RenderMuted(compactJSON(e.Payload, 60)))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.EvalID, "eval-id", "", "Filter by evaluation id")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "Filter by session id")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by event kind")
	cmd.Flags().IntVar(&filter.Limit, "limit", observability.DefaultEvalEventLimit, "Maximum number of events")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <eval-id>",
		Short: "Delete an evaluation and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evalID := args[0]

			if !yes {
				ok, err := shared.ConfirmDelete(
					fmt.Sprintf("Delete evaluation %s?", evalID),
					"Its summary and all of its events are removed. This cannot be undone.")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled")
					return nil
				}
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteEval(cmd.Context(), evalID); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), map[string]any{"deleted": evalID})
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Deleted "+evalID))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
