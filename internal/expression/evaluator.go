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

// Package expression evaluates boolean expr-lang expressions over a
// captured output for the expr scorer.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches boolean expressions.
// It extends expr-lang/expr with a few string and collection helpers.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate runs expression against env and returns its boolean result.
//
// Example expressions, with env {"output": ..., "text": ...}:
//   - lowercase(text) contains "paris"
//   - output.city == "Paris"
//   - len(output.items) > 0
//   - match(text, "^[A-Z]")
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("empty expression")
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}

	runEnv := make(map[string]any, len(env)+len(Functions()))
	for k, v := range env {
		runEnv[k] = v
	}
	for name, fn := range Functions() {
		runEnv[name] = fn
	}

	result, err := expr.Run(program, runEnv)
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T (%v)", result, result)
	}
	return b, nil
}

// Validate reports whether expression compiles.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return fmt.Errorf("empty expression")
	}
	_, err := e.compile(expression)
	return err
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := make(map[string]any)
	for name, fn := range Functions() {
		env[name] = fn
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
