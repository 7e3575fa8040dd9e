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
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/tracing"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

// DefaultTailInterval is the polling interval used when no filesystem
// notification arrives.
const DefaultTailInterval = time.Second

type tailOptions struct {
	listOptions
	interval time.Duration
}

func newTailCommand() *cobra.Command {
	opts := &tailOptions{}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow new trace records as they are written",
		Long: `Print the most recent trace records, then keep printing records as
traced processes write them. A START that later completes is printed again
as COMPLETE. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.kind, "kind", "", "Filter by record kind (START, END, COMPLETE)")
	cmd.Flags().StringVar(&opts.tag, "tag", "", "Filter by tag")
	cmd.Flags().StringVar(&opts.function, "function", "", "Filter by function name")
	cmd.Flags().StringVar(&opts.session, "session", "", "Filter by session id")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Number of records shown initially and read per query page")
	cmd.Flags().DurationVar(&opts.interval, "interval", DefaultTailInterval, "Polling interval")
	return cmd
}

// tailLookback is how far behind the newest printed timestamp each poll
// looks. Traced processes buffer records for up to a flush interval, so
// rows can land with timestamps older than ones already printed.
const tailLookback = 2 * tracing.DefaultFlushInterval

// tailer prints records not seen before, or seen with a different kind.
// After the first poll it pages through every row at or after the
// watermark minus tailLookback, and re-reads STARTs that are still open.
type tailer struct {
	store  *storage.SQLiteStore
	filter observability.TraceFilter
	out    io.Writer
	json   bool

	started   bool
	watermark time.Time
	seen      map[string]seenRecord
}

type seenRecord struct {
	kind observability.TraceKind
	ts   time.Time
}

func newTailer(store *storage.SQLiteStore, filter observability.TraceFilter, out io.Writer, asJSON bool) *tailer {
	return &tailer{
		store:  store,
		filter: filter,
		out:    out,
		json:   asJSON,
		seen:   make(map[string]seenRecord),
	}
}

func (t *tailer) poll(ctx context.Context) error {
	first := !t.started
	records, err := t.fetch(ctx)
	if err != nil {
		return err
	}

	// Oldest first.
	slices.SortStableFunc(records, func(a, b *observability.TraceRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	var fresh []*observability.TraceRecord
	for _, r := range records {
		if s, ok := t.seen[r.ID]; ok && s.kind == r.Kind {
			continue
		}
		t.seen[r.ID] = seenRecord{kind: r.Kind, ts: r.Timestamp}
		if r.Timestamp.After(t.watermark) {
			t.watermark = r.Timestamp
		}
		fresh = append(fresh, r)
	}
	t.prune()

	// The first poll marks the whole window as seen but prints only the
	// most recent rows.
	if limit := observability.LimitOr(t.filter.Limit, observability.DefaultTraceLimit); first && len(fresh) > limit {
		fresh = fresh[len(fresh)-limit:]
	}
	if len(fresh) == 0 {
		return nil
	}

	if t.json {
		for _, r := range fresh {
			if err := shared.EmitJSON(t.out, r); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(t.out, 0, 0, 2, ' ', 0)
	for _, r := range fresh {
		writeRow(w, r)
	}
	return w.Flush()
}

// since is the lower timestamp bound of the next poll.
func (t *tailer) since() time.Time {
	if t.watermark.IsZero() {
		return time.Time{}
	}
	return t.watermark.Add(-tailLookback)
}

// fetch returns every row inside the lookback window plus the current
// state of open STARTs older than it. The first poll also includes the
// most recent rows even when they are older than the window.
func (t *tailer) fetch(ctx context.Context) ([]*observability.TraceRecord, error) {
	if !t.started {
		latest, err := t.store.QueryTraces(ctx, t.filter)
		if err != nil {
			return nil, err
		}
		t.started = true
		if len(latest) == 0 {
			return nil, nil
		}
		window, err := t.page(ctx, latest[0].Timestamp.Add(-tailLookback))
		if err != nil {
			return nil, err
		}
		return append(latest, window...), nil
	}

	since := t.since()
	records, err := t.page(ctx, since)
	if err != nil {
		return nil, err
	}

	var open []string
	for id, s := range t.seen {
		if s.kind == observability.TraceKindStart && s.ts.Before(since) {
			open = append(open, id)
		}
	}
	if len(open) == 0 {
		return records, nil
	}

	f := t.filter
	f.IDs = open
	f.Limit = len(open)
	reread, err := t.store.QueryTraces(ctx, f)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(reread))
	for _, r := range reread {
		found[r.ID] = true
	}
	// Rows pruned from the database or no longer matching the filter
	// stop being tracked.
	for _, id := range open {
		if !found[id] {
			delete(t.seen, id)
		}
	}
	return append(records, reread...), nil
}

// page reads every row at or after since, one filter.Limit at a time.
func (t *tailer) page(ctx context.Context, since time.Time) ([]*observability.TraceRecord, error) {
	f := t.filter
	f.Since = since
	size := observability.LimitOr(f.Limit, observability.DefaultTraceLimit)
	f.Limit = size

	var out []*observability.TraceRecord
	for {
		batch, err := t.store.QueryTraces(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < size {
			return out, nil
		}
		f.Offset += size
	}
}

// prune forgets settled records that fell out of the lookback window.
// Open STARTs are kept so a later COMPLETE is still printed.
func (t *tailer) prune() {
	cutoff := t.since()
	for id, s := range t.seen {
		if s.kind != observability.TraceKindStart && s.ts.Before(cutoff) {
			delete(t.seen, id)
		}
	}
}

func runTail(cmd *cobra.Command, opts *tailOptions) error {
	filter, err := opts.filter()
	if err != nil {
		return err
	}
	if opts.interval <= 0 {
		return shared.NewConfigError("--interval must be positive", nil)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := newTailer(store, filter, cmd.OutOrStdout(), shared.GetJSON())

	if !t.json && !shared.GetQuiet() {
		fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderMuted(fmt.Sprintf("Following %s (Ctrl-C to stop)", store.Path())))
	}
	if err := t.poll(ctx); err != nil {
		return shared.NewStorageError("failed to query traces", err)
	}

	// Writers touch the database file and its -wal and -journal siblings.
	changed, closeWatch := watchDatabase(store.Path())
	defer closeWatch()

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-changed:
		}
		if err := t.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return shared.NewStorageError("failed to query traces", err)
		}
	}
}

// watchDatabase notifies on writes to the database files. When the
// directory cannot be watched the returned channel never fires and tail
// falls back to polling.
func watchDatabase(dbPath string) (<-chan struct{}, func()) {
	changed := make(chan struct{}, 1)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return changed, func() {}
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil || fsw.Add(filepath.Dir(abs)) != nil {
		fsw.Close()
		return changed, func() {}
	}

	base := filepath.Base(abs)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return changed, func() {
		close(done)
		fsw.Close()
	}
}
