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
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/cli/format"
	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/eval"
	"github.com/tombee/agenttrace/pkg/observability"
)

func newReportCommand() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "report <eval-id>",
		Short: "Render a markdown report of one evaluation",
		Long: `Render an evaluation as a markdown report with score means and one
row per case and trial. On a terminal the report is styled; when piped the
raw markdown is written so it can be posted as a review comment.`,
		Example: `  agenttrace evals report eval_capitals_20250601T120000_1a2b3c4d
  agenttrace evals report eval_capitals_20250601T120000_1a2b3c4d --plain > report.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			results, err := store.QueryEvalResults(cmd.Context(), observability.EvalResultFilter{EvalID: args[0], Limit: 1})
			if err != nil {
				return shared.NewStorageError("failed to query evaluations", err)
			}
			if len(results) == 0 {
				return shared.NewNotFoundError(fmt.Sprintf("evaluation %s not found", args[0]), nil)
			}

			out, err := eval.DecodeOutput(results[0].Payload)
			if err != nil {
				return shared.NewStorageError("unreadable evaluation payload", err)
			}
			out.EvalID = results[0].ID

			rendered, err := format.Markdown(markdownReport(out), shared.ColorEnabled() && !plain)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), rendered)
			return nil
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "Write raw markdown even on a terminal")
	return cmd
}

// markdownReport builds the report for one evaluation run.
func markdownReport(out *eval.Output) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", out.Metadata.Name)
	fmt.Fprintf(&b, "`%s` · %s · %d cases × %d trials\n\n",
		out.EvalID, out.Metadata.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
		out.Metadata.TestCaseCount, out.Metadata.TrialCount)

	if means := out.ScoreMeans(); len(means) > 0 {
		b.WriteString("## Scores\n\n| Scorer | Mean | Errors |\n|---|---|---|\n")
		for _, m := range means {
			mean := "-"
			if m.Mean != nil {
				mean = fmt.Sprintf("%.2f", *m.Mean)
			}
			fmt.Fprintf(&b, "| %s | %s | %d |\n", cell(m.Scorer), mean, m.Failed)
		}
		b.WriteString("\n")
	}

	if ts := out.ToolSummary; ts != nil {
		score := "-"
		if ts.Score != nil {
			score = fmt.Sprintf("%.2f", *ts.Score)
		}
		fmt.Fprintf(&b, "## Tools\n\n%d of %d tool calls valid (score %s)\n\n",
			ts.SuccessfulToolCalls, ts.TotalToolCalls, score)
	}

	if len(out.Results) > 0 {
		b.WriteString("## Results\n\n| Trial | Input | Output | Scores | Duration |\n|---|---|---|---|---|\n")
		for _, r := range out.Results {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %.1fms |\n",
				r.Trial, cell(compactJSON(r.Input, 60)), cell(compactJSON(r.Output, 60)),
				cell(caseScores(r.Scores)), r.DurationMS)
		}
	}
	return b.String()
}

func caseScores(scores map[string]eval.Score) string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		s := scores[name]
		if ok, isBool := s["success"].(bool); isBool && !ok {
			parts = append(parts, name+"=error")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", name, s["score"]))
	}
	return strings.Join(parts, " ")
}

// cell escapes a value for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
