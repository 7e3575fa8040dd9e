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

package console

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agenttrace/pkg/observability"
)

// syncBuffer guards a bytes.Buffer against the console goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsole_PlainOutput(t *testing.T) {
	var out syncBuffer
	c := New(&out, WithTTY(false), WithColor(false))

	c.Observe(observability.Event{Type: observability.EventCaptureStarted, FunctionName: "ask", SessionID: "s1"})
	c.Observe(observability.Event{Type: observability.EventCaptureEnded, FunctionName: "ask", SessionID: "s1", Duration: 12 * time.Millisecond, Success: true})
	c.Observe(observability.Event{Type: observability.EventCaptureEnded, FunctionName: "lookup", Duration: 1500 * time.Millisecond, Success: false})
	c.Close()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "• ask", lines[0])
	assert.Equal(t, "✓ ask (12.0ms)", lines[1])
	assert.Equal(t, "✗ lookup (1.50s)", lines[2])
	assert.NotContains(t, out.String(), "\033[")
}

func TestConsole_EvalProgressCompletes(t *testing.T) {
	var out syncBuffer
	c := New(&out, WithTTY(false), WithColor(false))

	c.Observe(observability.Event{Type: observability.EventEvalProgress, FunctionName: "capitals", Completed: 1, Total: 2})
	c.Observe(observability.Event{Type: observability.EventEvalProgress, FunctionName: "capitals", Completed: 2, Total: 2})
	c.Close()

	assert.Equal(t, "✓ capitals 2/2\n", out.String())
}

func TestConsole_TTYDrawsSpinnerAndClears(t *testing.T) {
	var out syncBuffer
	c := New(&out, WithTTY(true), WithColor(false), WithInterval(5*time.Millisecond))

	c.Observe(observability.Event{Type: observability.EventCaptureStarted, FunctionName: "ask", Time: time.Now()})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "... ask")
	}, time.Second, 5*time.Millisecond)

	c.Observe(observability.Event{Type: observability.EventCaptureEnded, FunctionName: "ask", Success: true, Duration: time.Millisecond})
	c.Close()

	s := out.String()
	assert.Contains(t, s, "\r\033[K")
	assert.Contains(t, s, "✓ ask (1.0ms)\n")
	assert.True(t, strings.HasSuffix(s, "\n"), "spinner line should be cleared on close")
}

func TestConsole_ObserveAfterCloseIsIgnored(t *testing.T) {
	var out syncBuffer
	c := New(&out, WithTTY(false), WithColor(false))
	c.Close()
	c.Close()

	c.Observe(observability.Event{Type: observability.EventCaptureStarted, FunctionName: "late"})
	assert.Empty(t, out.String())
}

func TestConsole_ObserveNeverBlocks(t *testing.T) {
	// An unread pipe-like writer that blocks forever stalls the goroutine,
	// so the buffer must fill and drop instead of blocking the caller.
	block := make(chan struct{})
	c := New(blockingWriter{block}, WithTTY(false), WithColor(false))

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize*4; i++ {
			c.Observe(observability.Event{Type: observability.EventCaptureStarted, FunctionName: "f"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked")
	}
	assert.Greater(t, c.Dropped(), int64(0))

	close(block)
	c.Close()
}

type blockingWriter struct{ block chan struct{} }

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.block
	return len(p), nil
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "5s", formatElapsed(5*time.Second))
	assert.Equal(t, "2m", formatElapsed(2*time.Minute))
	assert.Equal(t, "1m 23s", formatElapsed(83*time.Second))
}
