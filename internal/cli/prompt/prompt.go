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

// Package prompt collects secrets and confirmations from the terminal,
// with a non-interactive mode for CI/CD environments.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"unicode"
)

// MaxRetries is the maximum number of attempts per passphrase.
const MaxRetries = 3

// MinPassphraseLength is the shortest passphrase accepted for key derivation.
const MinPassphraseLength = 12

// ErrNonInteractive is returned when input is needed but no terminal is attached.
var ErrNonInteractive = errors.New("cannot prompt in non-interactive mode")

// Prompter defines the interface for interactive input collection.
// Implementations include SurveyPrompter (production) and MockPrompter (testing).
type Prompter interface {
	// Password reads a value without echoing it.
	Password(ctx context.Context, message string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, message string, def bool) (bool, error)

	// IsInteractive returns true if prompts can be displayed
	IsInteractive() bool
}

// ValidationError represents an input validation failure.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ValidatePassphrase rejects passphrases that are too short or contain
// control characters.
func ValidatePassphrase(s string) error {
	if len([]rune(s)) < MinPassphraseLength {
		return &ValidationError{Reason: fmt.Sprintf("passphrase must be at least %d characters", MinPassphraseLength)}
	}
	for i, r := range s {
		if unicode.IsControl(r) {
			return &ValidationError{Reason: fmt.Sprintf("passphrase contains a control character at position %d", i)}
		}
	}
	return nil
}

// NewPassphrase asks for a passphrase and its confirmation, retrying up to
// MaxRetries times on validation failures or mismatches.
func NewPassphrase(ctx context.Context, p Prompter) (string, error) {
	if !p.IsInteractive() {
		return "", ErrNonInteractive
	}

	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		pass, err := p.Password(ctx, "Passphrase")
		if err != nil {
			return "", err
		}
		if err := ValidatePassphrase(pass); err != nil {
			lastErr = err
			continue
		}

		again, err := p.Password(ctx, "Repeat passphrase")
		if err != nil {
			return "", err
		}
		if again != pass {
			lastErr = &ValidationError{Reason: "passphrases do not match"}
			continue
		}
		return pass, nil
	}
	return "", fmt.Errorf("no valid passphrase after %d attempts: %w", MaxRetries, lastErr)
}
