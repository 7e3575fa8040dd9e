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

// Package timeline renders the records of one session as an ASCII timeline.
package timeline

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/tombee/agenttrace/pkg/observability"
	"golang.org/x/term"
)

const (
	// MinWidth is the narrowest output the renderer supports.
	MinWidth = 80
	// DefaultWidth is used when the terminal width cannot be detected.
	DefaultWidth = 100
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40

	// StatusIconOK marks a call that returned.
	StatusIconOK = "✓"
	// StatusIconOpen marks a START with no matching END. The call raised,
	// panicked, or was still running at the last flush.
	StatusIconOpen = "✗"
	// StatusIconOrphan marks an END whose START was never seen.
	StatusIconOrphan = "?"

	nameWidth = 24
)

// Row is one record positioned on the timeline.
type Row struct {
	Name     string
	Start    time.Time
	End      time.Time
	Duration time.Duration
	Kind     observability.TraceKind
	Level    int // nesting depth derived from interval containment
}

// Renderer renders ASCII timelines from trace records.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a renderer for the given width. A width of zero
// detects the width of the terminal attached to stdout.
func NewRenderer(width int) (*Renderer, error) {
	if width == 0 {
		w, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil {
			w = DefaultWidth
		}
		width = w
	}
	if width < MinWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinWidth)
	}

	// "│ name  bar  duration  icon │"
	barWidth := width - nameWidth - 18
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}
	return &Renderer{Width: width, BarWidth: barWidth}, nil
}

// Render draws the records of sessionID. Records may arrive in any order.
func (r *Renderer) Render(sessionID string, records []*observability.TraceRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("session %s has no records", sessionID)
	}

	rows := Rows(records)
	minTime, maxTime := bounds(rows)
	total := maxTime.Sub(minTime)

	var sb strings.Builder
	inner := r.Width - 2
	border := strings.Repeat("─", inner)
	sb.WriteString("┌" + border + "┐\n")
	label := fmt.Sprintf(" Session: %s", sessionID)
	totals := fmt.Sprintf("Total: %s ", formatDuration(total))
	pad := inner - runeLen(label) - runeLen(totals)
	if pad < 1 {
		label = truncate(label, inner-runeLen(totals)-1)
		pad = inner - runeLen(label) - runeLen(totals)
	}
	sb.WriteString("│" + label + strings.Repeat(" ", pad) + totals + "│\n")
	sb.WriteString("├" + border + "┤\n")

	for _, row := range rows {
		sb.WriteString(r.renderRow(row, minTime, total))
	}
	sb.WriteString("└" + border + "┘\n")

	return sb.String(), nil
}

// Rows converts records into timeline rows ordered by start time. A START
// without an END is drawn up to the latest point of the session.
func Rows(records []*observability.TraceRecord) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := Row{
			Name:  rec.FunctionName,
			Start: rec.Timestamp,
			End:   rec.Timestamp,
			Kind:  rec.Kind,
		}
		if rec.Kind == observability.TraceKindComplete {
			row.Duration = rec.Duration()
			row.End = rec.Timestamp.Add(row.Duration)
		}
		rows = append(rows, row)
	}

	_, latest := bounds(rows)
	for i := range rows {
		if rows[i].Kind == observability.TraceKindStart {
			rows[i].End = latest
			rows[i].Duration = latest.Sub(rows[i].Start)
		}
	}

	slices.SortStableFunc(rows, func(a, b Row) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		// Longer first so an enclosing call precedes the calls it contains.
		return b.End.Compare(a.End)
	})

	var stack []Row
	for i := range rows {
		for len(stack) > 0 && !contains(stack[len(stack)-1], rows[i]) {
			stack = stack[:len(stack)-1]
		}
		rows[i].Level = len(stack)
		if rows[i].Kind != observability.TraceKindEnd {
			stack = append(stack, rows[i])
		}
	}
	return rows
}

func contains(outer, inner Row) bool {
	return !inner.Start.Before(outer.Start) && !inner.End.After(outer.End)
}

func bounds(rows []Row) (time.Time, time.Time) {
	if len(rows) == 0 {
		now := time.Now()
		return now, now
	}
	minTime, maxTime := rows[0].Start, rows[0].End
	for _, row := range rows {
		if row.Start.Before(minTime) {
			minTime = row.Start
		}
		if row.End.After(maxTime) {
			maxTime = row.End
		}
	}
	return minTime, maxTime
}

func (r *Renderer) renderRow(row Row, minTime time.Time, total time.Duration) string {
	startPos, barLength := 0, r.BarWidth
	if total > 0 {
		startPos = int(float64(row.Start.Sub(minTime)) / float64(total) * float64(r.BarWidth))
		barLength = int(float64(row.Duration) / float64(total) * float64(r.BarWidth))
	}
	if startPos >= r.BarWidth {
		startPos = r.BarWidth - 1
	}
	if barLength < 1 {
		barLength = 1
	}
	if startPos+barLength > r.BarWidth {
		barLength = r.BarWidth - startPos
	}

	fill := '█'
	if row.Kind == observability.TraceKindStart {
		fill = '▒'
	}
	bar := make([]rune, r.BarWidth)
	for i := range bar {
		if i >= startPos && i < startPos+barLength {
			bar[i] = fill
		} else {
			bar[i] = '░'
		}
	}

	icon := StatusIconOK
	switch row.Kind {
	case observability.TraceKindStart:
		icon = StatusIconOpen
	case observability.TraceKindEnd:
		icon = StatusIconOrphan
	}

	prefix := ""
	if row.Level > 0 {
		prefix = strings.Repeat("  ", row.Level-1) + "└─ "
	}
	width := nameWidth - runeLen(prefix)
	if width < 8 {
		width = 8
	}
	name := prefix + truncate(row.Name, width)

	dur := formatDuration(row.Duration)
	if row.Kind != observability.TraceKindComplete {
		dur = "-"
	}

	line := fmt.Sprintf(" %s%s %s  %7s  %s", name, strings.Repeat(" ", max(nameWidth-runeLen(name), 0)), string(bar), dur, icon)
	pad := r.Width - 2 - runeLen(line)
	if pad < 0 {
		pad = 0
	}
	return "│" + line + strings.Repeat(" ", pad) + "│\n"
}

func runeLen(s string) int {
	return len([]rune(s))
}

// truncate shortens s to maxLen runes with an ellipsis if needed.
func truncate(s string, maxLen int) string {
	rs := []rune(s)
	if len(rs) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(rs[:maxLen])
	}
	return string(rs[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
