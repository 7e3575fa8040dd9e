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

package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	s := Schema{
		Required: []string{"x"},
		Properties: map[string]Property{
			"x": {Type: TypeString},
		},
	}

	tests := []struct {
		name    string
		output  any
		success bool
		errors  []string
	}{
		{
			name:    "matching object",
			output:  map[string]any{"x": "ok"},
			success: true,
			errors:  []string{},
		},
		{
			name:    "wrong type names the field",
			output:  map[string]any{"x": 5},
			success: false,
			errors:  []string{"field x should be a string"},
		},
		{
			name:    "missing required",
			output:  map[string]any{"y": "ok"},
			success: false,
			errors:  []string{"missing required field: x"},
		},
		{
			name:    "json string is parsed",
			output:  `{"x": "ok"}`,
			success: true,
			errors:  []string{},
		},
		{
			name:    "invalid json string",
			output:  "not json",
			success: false,
			errors:  []string{"output is not valid JSON"},
		},
		{
			name:    "json array is not an object",
			output:  `[1, 2]`,
			success: false,
			errors:  []string{"output is not an object"},
		},
		{
			name:    "extra fields allowed",
			output:  map[string]any{"x": "ok", "extra": 1},
			success: true,
			errors:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Validate(tt.output, s)
			assert.Equal(t, tt.success, ev.Success)
			assert.Equal(t, tt.errors, ev.Errors)
		})
	}
}

func TestValidate_ShortCircuitsOnFirstMissingField(t *testing.T) {
	s := Schema{Required: []string{"a", "b", "c"}}
	ev := Validate(map[string]any{"c": 1}, s)

	require.False(t, ev.Success)
	assert.Equal(t, []string{"missing required field: a"}, ev.Errors)
}

func TestValidate_FirstTypeMismatchInNameOrder(t *testing.T) {
	s := Schema{Properties: map[string]Property{
		"zeta":  {Type: TypeBoolean},
		"alpha": {Type: TypeNumber},
	}}
	ev := Validate(map[string]any{"zeta": "no", "alpha": "no"}, s)

	require.False(t, ev.Success)
	assert.Equal(t, []string{"field alpha should be a number"}, ev.Errors)
}

func TestValidate_Types(t *testing.T) {
	tests := []struct {
		typ   string
		value any
		want  bool
	}{
		{TypeString, "s", true},
		{TypeString, 1, false},
		{TypeNumber, 1, true},
		{TypeNumber, 1.5, true},
		{TypeNumber, "1", false},
		{TypeInteger, 3, true},
		{TypeInteger, float64(3), true},
		{TypeInteger, 3.5, false},
		{TypeInteger, int64(9007199254740993), true},
		{TypeInteger, uint64(7), true},
		{TypeInteger, json.Number("42"), true},
		{TypeInteger, json.Number("4.2"), false},
		{TypeNumber, json.Number("4.2"), true},
		{TypeBoolean, true, true},
		{TypeBoolean, "true", false},
		{TypeArray, []any{1}, true},
		{TypeArray, map[string]any{}, false},
		{TypeObject, map[string]any{}, true},
		{TypeObject, []any{}, false},
		{"custom", 1, true},
	}

	for _, tt := range tests {
		s := Schema{Properties: map[string]Property{"f": {Type: tt.typ}}}
		ev := Validate(map[string]any{"f": tt.value}, s)
		assert.Equal(t, tt.want, ev.Success, "type %s value %#v", tt.typ, tt.value)
	}
}

func TestValidate_Struct(t *testing.T) {
	type call struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	s := Schema{
		Required:   []string{"query", "limit"},
		Properties: map[string]Property{"limit": {Type: TypeInteger}},
	}

	ev := Validate(call{Query: "q", Limit: 3}, s)
	assert.True(t, ev.Success)
}

func TestValidate_NilOutput(t *testing.T) {
	ev := Validate(nil, Schema{})
	assert.False(t, ev.Success)
	assert.Len(t, ev.Errors, 1)
}

func TestFromMap(t *testing.T) {
	s, err := FromMap(map[string]any{
		"type":     "object",
		"required": []any{"location"},
		"properties": map[string]any{
			"location": map[string]any{"type": "string", "description": "City"},
			"units":    map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"location"}, s.Required)
	assert.Equal(t, Property{Type: "string", Description: "City"}, s.Properties["location"])
	assert.Len(t, s.Properties, 2)
}

func TestFromMap_Invalid(t *testing.T) {
	_, err := FromMap(map[string]any{"required": "x"})
	assert.Error(t, err)

	_, err = FromMap(map[string]any{"required": []any{1}})
	assert.Error(t, err)

	_, err = FromMap(map[string]any{"properties": []any{}})
	assert.Error(t, err)
}

func TestValidateMap(t *testing.T) {
	m := map[string]any{
		"required":   []any{"x"},
		"properties": map[string]any{"x": map[string]any{"type": "string"}},
	}
	assert.True(t, ValidateMap(map[string]any{"x": "ok"}, m).Success)
	assert.False(t, ValidateMap(map[string]any{"x": 5}, m).Success)

	ev := ValidateMap(map[string]any{}, map[string]any{"required": 7})
	assert.False(t, ev.Success)
	assert.Contains(t, ev.Errors[0], "invalid schema")
}

func TestToolsFrom(t *testing.T) {
	schemaMap := map[string]any{"required": []any{"q"}}

	tools, ok := ToolsFrom([]any{
		map[string]any{"name": "search", "input_schema": schemaMap},
		Tool{Name: "noop"},
	})
	require.True(t, ok)
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)
	assert.True(t, tools[0].HasSchema())
	assert.False(t, tools[1].HasSchema())

	_, ok = ToolsFrom([]any{"bad"})
	assert.False(t, ok)

	_, ok = ToolsFrom("bad")
	assert.False(t, ok)
}

func TestEvaluationMap(t *testing.T) {
	m := Evaluation{Success: false, Errors: []string{"e"}}.Map()
	assert.Equal(t, false, m["success"])
	assert.Equal(t, []any{"e"}, m["errors"])
}
