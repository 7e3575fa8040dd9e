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

// Package console renders capture and evaluation progress on a terminal.
//
// A Console implements observability.Observer. Observe never blocks: events
// are handed to a single goroutine over a buffered channel, and that
// goroutine owns all terminal state and the redraw cadence. Events that do
// not fit in the buffer are dropped.
package console

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/agenttrace/pkg/observability"
)

// spinnerFrames defines the animation frames for the spinner
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// DefaultInterval is the redraw cadence of the spinner line.
const DefaultInterval = 100 * time.Millisecond

const bufferSize = 256

var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

const (
	symbolOK    = "✓"
	symbolError = "✗"
	symbolStart = "•"
)

// Console is an Observer that draws a spinner for in-flight captures and a
// line per completed capture.
type Console struct {
	out      io.Writer
	isTTY    bool
	color    bool
	interval time.Duration

	events    chan observability.Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64

	// Owned by the run goroutine.
	active   map[string]activeCapture
	frameIdx int
	progress *observability.Event
	drawn    bool
}

type activeCapture struct {
	function string
	started  time.Time
}

// Option configures a Console.
type Option func(*Console)

// WithTTY overrides terminal detection. Without a TTY nothing is animated.
func WithTTY(isTTY bool) Option {
	return func(c *Console) { c.isTTY = isTTY }
}

// WithColor enables or disables ANSI colors.
func WithColor(enabled bool) Option {
	return func(c *Console) { c.color = enabled }
}

// WithInterval sets the redraw cadence.
func WithInterval(d time.Duration) Option {
	return func(c *Console) {
		if d > 0 {
			c.interval = d
		}
	}
}

// New starts a console writing to out. Terminal detection applies when out
// is an *os.File. Call Close to stop it.
func New(out io.Writer, opts ...Option) *Console {
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}

	c := &Console{
		out:      out,
		isTTY:    isTTY,
		color:    isTTY && os.Getenv("NO_COLOR") == "",
		interval: DefaultInterval,
		events:   make(chan observability.Event, bufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		active:   make(map[string]activeCapture),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.run()
	return c
}

// Observe queues e for rendering. It never blocks.
func (c *Console) Observe(e observability.Event) {
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.events <- e:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (c *Console) Dropped() int64 {
	return c.dropped.Load()
}

// Close renders any queued events, clears the spinner line and stops the
// console goroutine. It is safe to call more than once.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

func (c *Console) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-c.events:
			c.handle(e)
		case <-ticker.C:
			if c.isTTY && c.hasLine() {
				c.frameIdx = (c.frameIdx + 1) % len(spinnerFrames)
				c.redraw()
			}
		case <-c.stop:
			for {
				select {
				case e := <-c.events:
					c.handle(e)
				default:
					c.clearLine()
					return
				}
			}
		}
	}
}

func captureKey(function, sessionID string) string {
	return function + "\x00" + sessionID
}

func (c *Console) handle(e observability.Event) {
	switch e.Type {
	case observability.EventCaptureStarted:
		started := e.Time
		if started.IsZero() {
			started = time.Now()
		}
		c.active[captureKey(e.FunctionName, e.SessionID)] = activeCapture{function: e.FunctionName, started: started}
		if !c.isTTY {
			c.println(fmt.Sprintf("%s %s", c.render(styleInfo, symbolStart), e.FunctionName))
			return
		}
		c.redraw()

	case observability.EventCaptureEnded:
		delete(c.active, captureKey(e.FunctionName, e.SessionID))
		symbol := c.render(styleOK, symbolOK)
		if !e.Success {
			symbol = c.render(styleError, symbolError)
		}
		c.println(fmt.Sprintf("%s %s %s", symbol, e.FunctionName, c.render(styleMuted, "("+formatDuration(e.Duration)+")")))

	case observability.EventEvalProgress:
		ev := e
		c.progress = &ev
		if e.Total > 0 && e.Completed >= e.Total {
			c.progress = nil
			c.println(fmt.Sprintf("%s %s %d/%d", c.render(styleOK, symbolOK), e.FunctionName, e.Completed, e.Total))
			return
		}
		if !c.isTTY {
			return
		}
		c.redraw()
	}
}

func (c *Console) hasLine() bool {
	return len(c.active) > 0 || c.progress != nil
}

// println writes a permanent line above the spinner line.
func (c *Console) println(s string) {
	c.clearLine()
	fmt.Fprintln(c.out, s)
	if c.isTTY && c.hasLine() {
		c.redraw()
	}
}

func (c *Console) clearLine() {
	if c.isTTY && c.drawn {
		fmt.Fprint(c.out, "\r\033[K")
		c.drawn = false
	}
}

// redraw draws the spinner line for the oldest in-flight capture and the
// evaluation progress.
func (c *Console) redraw() {
	if !c.hasLine() {
		c.clearLine()
		return
	}

	frame := spinnerFrames[c.frameIdx]
	if !c.color {
		frame = "..."
	}

	var parts []string
	if len(c.active) > 0 {
		captures := make([]activeCapture, 0, len(c.active))
		for _, a := range c.active {
			captures = append(captures, a)
		}
		sort.Slice(captures, func(i, j int) bool { return captures[i].started.Before(captures[j].started) })
		oldest := captures[0]
		label := oldest.function
		if len(captures) > 1 {
			label = fmt.Sprintf("%s +%d", label, len(captures)-1)
		}
		parts = append(parts, fmt.Sprintf("%s %s", label, c.render(styleMuted, "("+formatElapsed(time.Since(oldest.started))+")")))
	}
	if c.progress != nil {
		parts = append(parts, fmt.Sprintf("%s %d/%d", c.progress.FunctionName, c.progress.Completed, c.progress.Total))
	}

	fmt.Fprintf(c.out, "\r\033[K%s %s", c.render(styleMuted, frame), strings.Join(parts, "  "))
	c.drawn = true
}

func (c *Console) render(style lipgloss.Style, s string) string {
	if !c.color {
		return s
	}
	return style.Render(s)
}

// formatElapsed formats a duration for display (e.g., "12s", "1m 23s")
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if seconds == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// formatDuration renders a capture duration with millisecond precision
// below one second.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
