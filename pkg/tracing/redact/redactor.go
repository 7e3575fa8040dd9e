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

// Package redact removes sensitive data from captured payloads before they
// are buffered or persisted.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode determines the level of redaction applied to payloads.
type Mode string

const (
	// ModeNone disables redaction.
	ModeNone Mode = "none"

	// ModeStandard applies key-name and pattern-based redaction for common secrets.
	ModeStandard Mode = "standard"

	// ModeStrict replaces every string value (only keys and structure preserved).
	ModeStrict Mode = "strict"
)

const redacted = "[REDACTED]"

// ParseMode converts a configuration value to a Mode. The empty string is
// ModeNone.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeNone:
		return ModeNone, nil
	case ModeStandard, ModeStrict:
		return m, nil
	}
	return "", fmt.Errorf("unknown redaction mode %q (want none, standard or strict)", s)
}

// Pattern defines a redaction pattern with a name and regular expression.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// StandardPatterns returns the default set of redaction patterns.
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
			Replacement: "$1[REDACTED]",
		},
		{
			Name:        "provider_key",
			Regex:       regexp.MustCompile(`\b(sk-(ant-)?[a-zA-Z0-9_\-]{20,})`),
			Replacement: "[REDACTED-API-KEY]",
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)["\s:=]+([^\s"]+)`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "aws_key",
			Regex:       regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED-AWS-KEY]",
		},
		{
			Name:        "private_key",
			Regex:       regexp.MustCompile(`(?s)(-----BEGIN (RSA |EC |DSA )?PRIVATE KEY-----).*?(-----END (RSA |EC |DSA )?PRIVATE KEY-----)`),
			Replacement: "$1[REDACTED]$3",
		},
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[REDACTED-EMAIL]",
		},
		{
			Name:        "credit_card",
			Regex:       regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			Replacement: "[REDACTED-CC]",
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED-JWT]",
		},
	}
}

// CompilePatterns turns user supplied regular expressions into patterns
// that replace each match with [REDACTED].
func CompilePatterns(exprs []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %d: %w", i, err)
		}
		out = append(out, Pattern{Name: fmt.Sprintf("custom_%d", i), Regex: re, Replacement: redacted})
	}
	return out, nil
}

// Redactor applies redaction rules to sanitized payload trees.
type Redactor struct {
	mode     Mode
	patterns []Pattern
}

// NewRedactor creates a new redactor with the standard patterns.
func NewRedactor(mode Mode) *Redactor {
	return &Redactor{
		mode:     mode,
		patterns: StandardPatterns(),
	}
}

// NewRedactorWithPatterns creates a redactor with the standard patterns
// followed by extra.
func NewRedactorWithPatterns(mode Mode, extra []Pattern) *Redactor {
	r := NewRedactor(mode)
	r.patterns = append(r.patterns, extra...)
	return r
}

// Mode returns the redaction mode.
func (r *Redactor) Mode() Mode {
	if r == nil {
		return ModeNone
	}
	return r.mode
}

// Enabled reports whether the redactor changes anything.
func (r *Redactor) Enabled() bool {
	return r.Mode() != ModeNone
}

// RedactString applies redaction patterns to a string value.
func (r *Redactor) RedactString(s string) string {
	switch r.Mode() {
	case ModeNone:
		return s
	case ModeStrict:
		return redacted
	}

	result := s
	for _, pattern := range r.patterns {
		result = pattern.Regex.ReplaceAllString(result, pattern.Replacement)
	}
	return result
}

// Redact walks a sanitized tree and returns a redacted copy. The input is
// not modified. Values under sensitive keys are replaced outright.
func (r *Redactor) Redact(v any) any {
	if !r.Enabled() {
		return v
	}
	return r.walk(v)
}

func (r *Redactor) walk(v any) any {
	switch val := v.(type) {
	case string:
		return r.RedactString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if shouldRedactKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = r.walk(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.walk(item)
		}
		return out
	}
	return v
}

var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"secret", "token",
	"api_key", "apikey",
	"private_key",
	"authorization",
	"cookie",
}

// shouldRedactKey checks if a key name indicates sensitive data.
func shouldRedactKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}
