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

package prompt

import (
	"context"
	"fmt"
)

// MockPrompter implements Prompter with scripted responses for testing.
type MockPrompter struct {
	responses    []any
	currentIndex int
	interactive  bool
	callLog      []string
}

// NewMockPrompter creates a new mock prompter with pre-scripted responses.
func NewMockPrompter(interactive bool, responses ...any) *MockPrompter {
	return &MockPrompter{
		responses:   responses,
		interactive: interactive,
	}
}

func (mp *MockPrompter) next(call string) (any, error) {
	mp.callLog = append(mp.callLog, call)
	if mp.currentIndex >= len(mp.responses) {
		return nil, fmt.Errorf("no scripted response for %s", call)
	}
	resp := mp.responses[mp.currentIndex]
	mp.currentIndex++
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// Password returns the next string response.
func (mp *MockPrompter) Password(ctx context.Context, message string) (string, error) {
	resp, err := mp.next(fmt.Sprintf("Password(%s)", message))
	if err != nil {
		return "", err
	}
	if s, ok := resp.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("mock response is not a string")
}

// Confirm returns the next bool response.
func (mp *MockPrompter) Confirm(ctx context.Context, message string, def bool) (bool, error) {
	resp, err := mp.next(fmt.Sprintf("Confirm(%s)", message))
	if err != nil {
		return false, err
	}
	if b, ok := resp.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("mock response is not a bool")
}

// IsInteractive returns the configured interactivity.
func (mp *MockPrompter) IsInteractive() bool {
	return mp.interactive
}

// GetCallLog returns the prompts shown so far.
func (mp *MockPrompter) GetCallLog() []string {
	return mp.callLog
}
