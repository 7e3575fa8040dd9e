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

// Package format renders captured values and reports for the terminal.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

const (
	maxJSONSize     = 10 * 1024 * 1024 // 10MB
	maxMarkdownSize = 5 * 1024 * 1024  // 5MB

	// WrapWidth is the word-wrap column for rendered markdown.
	WrapWidth = 100
)

// ansiEscapeRegex matches ANSI escape sequences.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences. Traced values are arbitrary user
// data and must not be able to drive the terminal.
func StripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

func enforceSize(size int, format string, maxSize int) error {
	if size > maxSize {
		return fmt.Errorf("output size (%d bytes) exceeds maximum for %s format (%d bytes)", size, format, maxSize)
	}
	return nil
}

// JSON pretty-prints v with 2-space indentation and, when color is set,
// syntax highlighting.
func JSON(v any, color bool) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}
	if err := enforceSize(len(data), "json", maxJSONSize); err != nil {
		return "", err
	}

	content := StripANSI(string(data))
	if !color {
		return content, nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, content, "json", "terminal256", "monokai"); err != nil {
		// Highlighting is cosmetic.
		return content, nil
	}
	return buf.String(), nil
}

// Markdown renders markdown with ANSI styling when color is set. Without
// color the source is returned unchanged so it can be pasted elsewhere.
func Markdown(content string, color bool) (string, error) {
	if err := enforceSize(len(content), "markdown", maxMarkdownSize); err != nil {
		return "", err
	}

	content = StripANSI(content)
	if !color {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(WrapWidth),
	)
	if err != nil {
		return content, nil
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content, nil
	}
	return rendered, nil
}
