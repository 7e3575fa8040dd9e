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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/tombee/agenttrace/internal/expression"
	"github.com/tombee/agenttrace/internal/jq"
	traceerrors "github.com/tombee/agenttrace/pkg/errors"
	"github.com/tombee/agenttrace/pkg/schema"
	"github.com/tombee/agenttrace/pkg/tracing"
)

// Built-in scorer types.
const (
	ScorerContains    = "contains"
	ScorerNotContains = "not_contains"
	ScorerRegex       = "regex"
	ScorerExact       = "exact"
	ScorerExpr        = "expr"
	ScorerJQ          = "jq"
	ScorerSchema      = "schema"
)

// ScorerSpec declares a built-in scorer, as found in suite files.
type ScorerSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Type        string         `yaml:"type" json:"type"`
	Value       string         `yaml:"value,omitempty" json:"value,omitempty"`
	Schema      map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
}

// Shared evaluators; both cache compiled programs.
var (
	exprEvaluator = expression.New()
	jqExecutor    = jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize)
)

// BuildScorer constructs the scorer described by spec. Expressions, jq
// queries, patterns and schemas are checked up front.
func BuildScorer(spec ScorerSpec) (Scorer, error) {
	name := spec.Name
	if name == "" {
		name = spec.Type
	}
	key := fmt.Sprintf("scorers.%s", name)

	needsValue := spec.Type != ScorerSchema
	if needsValue && spec.Value == "" {
		return nil, &traceerrors.ConfigError{Key: key, Reason: fmt.Sprintf("%s scorer requires a value", spec.Type)}
	}

	var s Scorer
	switch spec.Type {
	case ScorerContains:
		s = Contains(name, spec.Value)
	case ScorerNotContains:
		s = NotContains(name, spec.Value)
	case ScorerExact:
		s = Exact(name, spec.Value)
	case ScorerRegex:
		re, err := regexp.Compile(spec.Value)
		if err != nil {
			return nil, &traceerrors.ConfigError{Key: key, Reason: "invalid regex", Cause: err}
		}
		s = Regex(name, re)
	case ScorerExpr:
		if err := exprEvaluator.Validate(spec.Value); err != nil {
			return nil, &traceerrors.ConfigError{Key: key, Reason: "invalid expression", Cause: err}
		}
		s = Expr(name, spec.Value)
	case ScorerJQ:
		if err := jqExecutor.Validate(spec.Value); err != nil {
			return nil, &traceerrors.ConfigError{Key: key, Reason: "invalid jq query", Cause: err}
		}
		s = JQ(name, spec.Value)
	case ScorerSchema:
		if spec.Schema == nil {
			return nil, &traceerrors.ConfigError{Key: key, Reason: "schema scorer requires a schema"}
		}
		if _, err := schema.FromMap(spec.Schema); err != nil {
			return nil, &traceerrors.ConfigError{Key: key, Reason: "invalid schema", Cause: err}
		}
		s = SchemaMatch(name, spec.Schema)
	default:
		return nil, &traceerrors.ConfigError{Key: key, Reason: fmt.Sprintf("unknown scorer type %q", spec.Type)}
	}

	if spec.Description != "" {
		s = &funcScorer{name: s.Name(), description: spec.Description, fn: s.Score}
	}
	return s, nil
}

// Contains scores 1 when the output text contains substr, ignoring case.
func Contains(name, substr string) Scorer {
	folded := cases.Fold().String(substr)
	return NewScorer(name, fmt.Sprintf("output contains %q (case-insensitive)", substr),
		func(_ context.Context, output any) (Score, error) {
			return Binary(strings.Contains(cases.Fold().String(Text(output)), folded)), nil
		})
}

// NotContains scores 1 when the output text does not contain substr,
// ignoring case.
func NotContains(name, substr string) Scorer {
	folded := cases.Fold().String(substr)
	return NewScorer(name, fmt.Sprintf("output does not contain %q (case-insensitive)", substr),
		func(_ context.Context, output any) (Score, error) {
			return Binary(!strings.Contains(cases.Fold().String(Text(output)), folded)), nil
		})
}

// Exact scores 1 when the trimmed output text equals want.
func Exact(name, want string) Scorer {
	return NewScorer(name, fmt.Sprintf("output equals %q", want),
		func(_ context.Context, output any) (Score, error) {
			return Binary(strings.TrimSpace(Text(output)) == want), nil
		})
}

// Regex scores 1 when the output text matches re.
func Regex(name string, re *regexp.Regexp) Scorer {
	return NewScorer(name, fmt.Sprintf("output matches /%s/", re.String()),
		func(_ context.Context, output any) (Score, error) {
			return Binary(re.MatchString(Text(output))), nil
		})
}

// Expr scores 1 when the expression is true. The expression sees the
// sanitized output as "output" and its text as "text".
func Expr(name, expr string) Scorer {
	return NewScorer(name, "expr: "+expr,
		func(_ context.Context, output any) (Score, error) {
			ok, err := exprEvaluator.Evaluate(expr, map[string]any{
				"output": tracing.Sanitize(output),
				"text":   Text(output),
			})
			if err != nil {
				return nil, err
			}
			return Binary(ok), nil
		})
}

// JQ scores 1 when the query result is truthy. JSON text outputs are
// decoded before querying.
func JQ(name, query string) Scorer {
	return NewScorer(name, "jq: "+query,
		func(ctx context.Context, output any) (Score, error) {
			ok, err := jqExecutor.Truthy(ctx, query, tracing.Sanitize(output))
			if err != nil {
				return nil, err
			}
			return Binary(ok), nil
		})
}

// SchemaMatch scores 1 when the output validates against the schema. For
// pair results the processed value is validated.
func SchemaMatch(name string, s map[string]any) Scorer {
	desc := "output matches schema"
	if data, err := json.Marshal(s); err == nil {
		desc = "output matches schema " + string(data)
	}
	return NewScorer(name, desc,
		func(_ context.Context, output any) (Score, error) {
			if m, ok := output.(map[string]any); ok {
				if processed, ok := m[tracing.ProcessedResponseKey]; ok {
					output = processed
				}
			}
			ev := schema.ValidateMap(output, s)
			score := Binary(ev.Success)
			score["errors"] = ev.Map()["errors"]
			return score, nil
		})
}

// Text renders an output as text for string-based scorers. Strings are
// used as is; anything else is sanitized and encoded as JSON.
func Text(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(tracing.Sanitize(output))
	if err != nil {
		return fmt.Sprint(output)
	}
	return string(data)
}
