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

// Package traces implements the "agenttrace traces" command family.
package traces

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

type listOptions struct {
	kind     string
	tag      string
	function string
	session  string
	limit    int
	json     bool
}

// NewCommand creates the traces command
func NewCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "traces",
		Short: "List captured function traces",
		Long: `List trace records from the trace database, most recent first.

A COMPLETE record is a call that returned; a START without a matching
COMPLETE is a call that failed or is still running.`,
		Example: `  agenttrace traces --function ask --limit 20
  agenttrace traces --tag eval --json
  agenttrace traces sessions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.kind, "kind", "", "Filter by record kind (START, END, COMPLETE)")
	cmd.Flags().StringVar(&opts.tag, "tag", "", "Filter by tag")
	cmd.Flags().StringVar(&opts.function, "function", "", "Filter by function name")
	cmd.Flags().StringVar(&opts.session, "session", "", "Filter by session id")
	cmd.Flags().IntVar(&opts.limit, "limit", observability.DefaultTraceLimit, "Maximum number of records")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output as JSON")

	cmd.AddCommand(
		newSessionsCommand(),
		newDistinctCommand("functions", "List traced function names", (*storage.SQLiteStore).FunctionNames),
		newDistinctCommand("tags", "List tags used by traces", (*storage.SQLiteStore).Tags),
		newDistinctCommand("kinds", "List record kinds present in the database", (*storage.SQLiteStore).TraceKinds),
		newTailCommand(),
		newTimelineCommand(),
		newShowCommand(),
	)
	return cmd
}

func (o *listOptions) filter() (observability.TraceFilter, error) {
	f := observability.TraceFilter{
		Tag:          o.tag,
		FunctionName: o.function,
		SessionID:    o.session,
		Limit:        o.limit,
	}
	if o.kind != "" {
		f.Kind = observability.TraceKind(strings.ToUpper(o.kind))
		if !f.Kind.Valid() {
			return f, shared.NewConfigError(fmt.Sprintf("invalid --kind %q: want START, END or COMPLETE", o.kind), nil)
		}
	}
	if o.limit <= 0 {
		return f, shared.NewConfigError("--limit must be positive", nil)
	}
	return f, nil
}

func runList(cmd *cobra.Command, opts *listOptions) error {
	filter, err := opts.filter()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.QueryTraces(cmd.Context(), filter)
	if err != nil {
		return shared.NewStorageError("failed to query traces", err)
	}

	if opts.json || shared.GetJSON() {
		if records == nil {
			records = []*observability.TraceRecord{}
		}
		return shared.EmitJSON(cmd.OutOrStdout(), records)
	}

	if len(records) == 0 {
		if !shared.GetQuiet() {
			fmt.Fprintln(cmd.OutOrStdout(), "No traces found")
		}
		return nil
	}
	writeTable(cmd.OutOrStdout(), records)
	return nil
}

func writeTable(out io.Writer, records []*observability.TraceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tKIND\tFUNCTION\tSESSION\tDURATION\tTAGS")
	for _, r := range records {
		writeRow(w, r)
	}
	w.Flush()
}

func writeRow(w io.Writer, r *observability.TraceRecord) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		shared.RenderMuted(shared.TruncateID(r.ID, 8)),
		shared.FormatTime(r.Timestamp),
		shared.RenderKind(r.Kind),
		r.FunctionName,
		shared.TruncateID(r.SessionID, 8),
		shared.FormatDuration(r.Duration()),
		strings.Join(r.Tags, ","),
	)
}

func openStore() (*storage.SQLiteStore, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	return shared.OpenStore(cfg, true)
}

func newSessionsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List session ids, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printDistinct(cmd, func(ctx context.Context, s *storage.SQLiteStore) ([]string, error) {
				return s.SessionIDs(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", observability.DefaultTraceLimit, "Maximum number of sessions")
	return cmd
}

func newDistinctCommand(use, short string, query func(*storage.SQLiteStore, context.Context) ([]string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printDistinct(cmd, func(ctx context.Context, s *storage.SQLiteStore) ([]string, error) {
				return query(s, ctx)
			})
		},
	}
}

func printDistinct(cmd *cobra.Command, query func(context.Context, *storage.SQLiteStore) ([]string, error)) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	values, err := query(cmd.Context(), store)
	if err != nil {
		return shared.NewStorageError("failed to query traces", err)
	}

	if shared.GetJSON() {
		if values == nil {
			values = []string{}
		}
		return shared.EmitJSON(cmd.OutOrStdout(), values)
	}
	for _, v := range values {
		fmt.Fprintln(cmd.OutOrStdout(), v)
	}
	return nil
}
