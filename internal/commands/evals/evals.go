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

// Package evals implements the "agenttrace evals" command family.
package evals

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/eval"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

type listOptions struct {
	evalID  string
	name    string
	session string
	limit   int
	json    bool
}

// NewCommand creates the evals command
func NewCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "evals",
		Short: "List evaluation runs and their scores",
		Long: `List evaluation summaries from the trace database, most recent first.
Each row shows the mean of every scorer across all cases and trials.`,
		Example: `  agenttrace evals --name capitals
  agenttrace evals events --eval-id eval_capitals_20250601T120000_1a2b3c4d
  agenttrace evals run 'evals/**/*.yaml'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.evalID, "eval-id", "", "Show a single evaluation")
	cmd.Flags().StringVar(&opts.name, "name", "", "Filter by evaluation name")
	cmd.Flags().StringVar(&opts.session, "session", "", "Filter by session id")
	cmd.Flags().IntVar(&opts.limit, "limit", observability.DefaultEvalResultLimit, "Maximum number of evaluations")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output as JSON")

	cmd.AddCommand(
		newEventsCommand(),
		newDeleteCommand(),
		newRunCommand(),
		newReportCommand(),
	)
	return cmd
}

func openStore() (*storage.SQLiteStore, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	return shared.OpenStore(cfg, true)
}

func runList(cmd *cobra.Command, opts *listOptions) error {
	if opts.limit <= 0 {
		return shared.NewConfigError("--limit must be positive", nil)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.QueryEvalResults(cmd.Context(), observability.EvalResultFilter{
		EvalID:    opts.evalID,
		Name:      opts.name,
		SessionID: opts.session,
		Limit:     opts.limit,
	})
	if err != nil {
		return shared.NewStorageError("failed to query evaluations", err)
	}
	if opts.evalID != "" && len(results) == 0 {
		return shared.NewNotFoundError(fmt.Sprintf("evaluation %s not found", opts.evalID), nil)
	}

	if opts.json || shared.GetJSON() {
		if results == nil {
			results = []*observability.EvalResult{}
		}
		return shared.EmitJSON(cmd.OutOrStdout(), results)
	}

	if len(results) == 0 {
		if !shared.GetQuiet() {
			fmt.Fprintln(cmd.OutOrStdout(), "No evaluations found")
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVAL ID\tNAME\tTIME\tTRIALS\tRESULTS\tSCORES")
	for _, r := range results {
		out, err := eval.DecodeOutput(r.Payload)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t?\t%s\n", r.ID, r.Name, shared.FormatTime(r.Timestamp), r.TrialCount,
				shared.RenderMuted("unreadable payload"))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.Name, shared.FormatTime(r.Timestamp), r.TrialCount,
			len(out.Results), formatScores(out))
	}
	return w.Flush()
}

// formatScores renders "name=mean" pairs plus the tool score when tools
// were tracked.
func formatScores(out *eval.Output) string {
	var parts []string
	for _, m := range out.ScoreMeans() {
		s := m.Scorer + "=" + shared.RenderScore(m.Mean)
		if m.Failed > 0 {
			s += fmt.Sprintf(" (%d failed)", m.Failed)
		}
		parts = append(parts, s)
	}
	if out.ToolSummary != nil {
		parts = append(parts, "tools="+shared.RenderScore(out.ToolSummary.Score))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

// writeSummary prints the per-run report used by "evals run".
func writeSummary(w io.Writer, out *eval.Output) {
	fmt.Fprintf(w, "%s %s\n", shared.RenderOK(out.Metadata.Name), shared.RenderMuted(out.EvalID))
	fmt.Fprintf(w, "  cases: %d  trials: %d  results: %d\n",
		out.Metadata.TestCaseCount, out.Metadata.TrialCount, len(out.Results))
	for _, m := range out.ScoreMeans() {
		line := fmt.Sprintf("  %s: %s", m.Scorer, shared.RenderScore(m.Mean))
		if m.Failed > 0 {
			line += " " + shared.RenderWarn(fmt.Sprintf("%d scorer errors", m.Failed))
		}
		fmt.Fprintln(w, line)
	}
	if ts := out.ToolSummary; ts != nil {
		fmt.Fprintf(w, "  tools: %s (%d/%d valid)\n", shared.RenderScore(ts.Score), ts.SuccessfulToolCalls, ts.TotalToolCalls)
	}
}

func compactJSON(v any, max int) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	s := string(data)
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
