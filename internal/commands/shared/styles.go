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

package shared

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/agenttrace/pkg/observability"
)

// CLI style colors using lipgloss
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles warning indicators
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// StatusInfo styles informational text
	StatusInfo = lipgloss.NewStyle().Foreground(lipgloss.Color("39")) // blue

	// Muted styles secondary text such as ids and timestamps
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Header styles table headers
	Header = lipgloss.NewStyle().Bold(true)
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

// ColorEnabled reports whether stdout should be styled: a terminal without
// NO_COLOR set and without --json.
func ColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" || GetJSON() {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !ColorEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderOK renders a success message with a green checkmark
func RenderOK(msg string) string {
	return render(StatusOK, SymbolOK) + " " + msg
}

// RenderWarn renders a warning message
func RenderWarn(msg string) string {
	return render(StatusWarn, SymbolWarn) + " " + msg
}

// RenderError renders an error message
func RenderError(msg string) string {
	return render(StatusError, msg)
}

// RenderMuted renders secondary text
func RenderMuted(s string) string {
	return render(Muted, s)
}

// RenderKind colors a trace kind: COMPLETE green, START blue, END orange.
func RenderKind(kind observability.TraceKind) string {
	switch kind {
	case observability.TraceKindComplete:
		return render(StatusOK, string(kind))
	case observability.TraceKindStart:
		return render(StatusInfo, string(kind))
	default:
		return render(StatusWarn, string(kind))
	}
}

// RenderScore formats a score in [0, 1], colored by how close it is to 1.
// Nil renders as "-".
func RenderScore(score *float64) string {
	if score == nil {
		return render(Muted, "-")
	}
	s := fmt.Sprintf("%.2f", *score)
	switch {
	case *score >= 1:
		return render(StatusOK, s)
	case *score <= 0:
		return render(StatusError, s)
	default:
		return render(StatusWarn, s)
	}
}
