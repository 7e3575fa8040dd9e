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

package jq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "empty expression returns data as-is",
			expression: "",
			data:       map[string]any{"foo": "bar"},
			want:       map[string]any{"foo": "bar"},
		},
		{
			name:       "simple field extraction",
			expression: ".foo",
			data:       map[string]any{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "json string output is decoded",
			expression: ".city",
			data:       `{"city": "Paris"}`,
			want:       "Paris",
		},
		{
			name:       "plain string is a json string",
			expression: "ascii_downcase",
			data:       "Paris",
			want:       "paris",
		},
		{
			name:       "struct values are converted",
			expression: ".Count",
			data:       struct{ Count int }{Count: 3},
			want:       float64(3),
		},
		{
			name:       "multiple results become a slice",
			expression: ".[]",
			data:       []any{"a", "b"},
			want:       []any{"a", "b"},
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]any{"foo": "bar"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecutor_Truthy(t *testing.T) {
	executor := NewExecutor(0, 0)
	ctx := context.Background()

	ok, err := executor.Truthy(ctx, `.answer | test("paris"; "i")`, map[string]any{"answer": "Paris"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = executor.Truthy(ctx, ".missing", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = executor.Truthy(ctx, ".[] | . > 1", []any{2, 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = executor.Truthy(ctx, ".[] | . > 1", []any{2, 0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutor_InputSizeLimit(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, 8)
	_, err := executor.Execute(context.Background(), ".", map[string]any{"foo": "a long value"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestExecutor_Validate(t *testing.T) {
	executor := NewExecutor(0, 0)
	assert.NoError(t, executor.Validate(""))
	assert.NoError(t, executor.Validate(".a | length > 0"))
	assert.Error(t, executor.Validate(".["))
}
