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

package observability

import (
	"time"
)

// EventType identifies a capture lifecycle notification.
type EventType string

const (
	// EventCaptureStarted is sent before a START record is added.
	EventCaptureStarted EventType = "capture.started"

	// EventCaptureEnded is sent when an END record is merged into its START.
	EventCaptureEnded EventType = "capture.ended"

	// EventEvalProgress is sent by the evaluation runner after each case.
	EventEvalProgress EventType = "eval.progress"
)

// Event is a notification delivered to an Observer. Observers are purely
// cosmetic: trace correctness never depends on them.
type Event struct {
	Type         EventType
	FunctionName string
	SessionID    string
	Time         time.Time

	// Duration and Success are set for EventCaptureEnded.
	Duration time.Duration
	Success  bool

	// Completed and Total are set for EventEvalProgress.
	Completed int
	Total     int
}

// Observer receives capture and progress notifications.
// Implementations must not block; Observe is called on the caller's goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// NopObserver discards every event.
type NopObserver struct{}

// Observe does nothing.
func (NopObserver) Observe(Event) {}
