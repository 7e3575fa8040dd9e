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

package format

import (
	"strings"
	"testing"
)

func TestMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		color    bool
		contains string
	}{
		{name: "rendered", content: "# Heading\n\nSome text", color: true, contains: "Heading"},
		{name: "plain keeps source", content: "# Heading\n\nSome text", color: false, contains: "# Heading"},
		{name: "empty", content: "", color: true},
		{name: "list", content: "- Item 1\n- Item 2", color: false, contains: "Item 1"},
		{name: "escapes stripped", content: "\x1b[31mred\x1b[0m", color: false, contains: "red"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Markdown(tt.content, tt.color)
			if err != nil {
				t.Fatalf("Markdown() error = %v", err)
			}
			if tt.contains != "" && !strings.Contains(got, tt.contains) {
				t.Errorf("Markdown() output should contain %q, got %q", tt.contains, got)
			}
			if !tt.color && strings.Contains(got, "\x1b") {
				t.Errorf("Markdown() without color contains escapes: %q", got)
			}
		})
	}
}

func TestMarkdown_TooLarge(t *testing.T) {
	if _, err := Markdown(strings.Repeat("a", maxMarkdownSize+1), false); err == nil {
		t.Error("Markdown() expected size error")
	}
}

func TestJSON(t *testing.T) {
	v := map[string]any{"args": []any{"hello", 2}, "result": "\x1b[2Jcleared"}

	plain, err := JSON(v, false)
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if !strings.Contains(plain, "\n  \"args\": [") {
		t.Errorf("JSON() not indented: %q", plain)
	}
	if strings.Contains(plain, "\x1b") {
		t.Errorf("JSON() without color contains escapes: %q", plain)
	}

	colored, err := JSON(v, true)
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if !strings.Contains(StripANSI(colored), "hello") {
		t.Errorf("JSON() with color lost content: %q", colored)
	}
}

func TestJSON_Unmarshalable(t *testing.T) {
	if _, err := JSON(map[string]any{"ch": make(chan int)}, false); err == nil {
		t.Error("JSON() expected error for channel value")
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain text", "plain text"},
		{"\x1b[31mred text\x1b[0m", "red text"},
		{"\x1b[1m\x1b[32mbold green\x1b[0m\x1b[0m", "bold green"},
	}

	for _, tt := range tests {
		if got := StripANSI(tt.input); got != tt.want {
			t.Errorf("StripANSI(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
