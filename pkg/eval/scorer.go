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

package eval

import (
	"context"
	"fmt"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
)

// Score is the mapping a scorer returns for one output, typically
// {"score": 1.0}.
type Score map[string]any

// Scorer grades one task output.
type Scorer interface {
	// Name is the key the score is filed under.
	Name() string

	// Description is recorded with the results so a reader can tell what
	// the scorer checked.
	Description() string

	Score(ctx context.Context, output any) (Score, error)
}

type funcScorer struct {
	name        string
	description string
	fn          func(ctx context.Context, output any) (Score, error)
}

// NewScorer adapts fn to the Scorer interface.
func NewScorer(name, description string, fn func(ctx context.Context, output any) (Score, error)) Scorer {
	return &funcScorer{name: name, description: description, fn: fn}
}

func (s *funcScorer) Name() string        { return s.name }
func (s *funcScorer) Description() string { return s.description }

func (s *funcScorer) Score(ctx context.Context, output any) (Score, error) {
	return s.fn(ctx, output)
}

// applyScorer runs s and converts an error or panic into a ScorerError.
func applyScorer(ctx context.Context, s Scorer, name string, output any) (score Score, err error) {
	defer func() {
		if r := recover(); r != nil {
			score = nil
			err = &traceerrors.ScorerError{Scorer: name, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	score, err = s.Score(ctx, output)
	if err != nil {
		return nil, &traceerrors.ScorerError{Scorer: name, Cause: err}
	}
	return score, nil
}

// failedScore is recorded in place of a score when a scorer fails.
func failedScore(err error) Score {
	msg := err.Error()
	var se *traceerrors.ScorerError
	if traceerrors.As(err, &se) && se.Cause != nil {
		msg = se.Cause.Error()
	}
	return Score{"success": false, "error": msg}
}

// Binary returns {"score": 1.0} when ok and {"score": 0.0} otherwise.
func Binary(ok bool) Score {
	if ok {
		return Score{"score": 1.0}
	}
	return Score{"score": 0.0}
}
