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

// Package schema checks tool outputs against a narrow structural contract:
// required fields plus primitive type checks on declared properties.
//
// It is deliberately not a JSON Schema implementation. Keywords other than
// "required", "properties" and a property's "type" are ignored.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Primitive type names accepted in a property's "type" keyword.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Schema is the narrow contract an output is validated against.
type Schema struct {
	// Required lists field names that must be present in the output.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`

	// Properties maps field names to their declared type.
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Property declares the expected type of one field.
type Property struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// IsZero reports whether s declares nothing to check.
func (s Schema) IsZero() bool {
	return len(s.Required) == 0 && len(s.Properties) == 0
}

// propertyNames returns declared property names in sorted order so that the
// first reported type mismatch is stable across runs.
func (s Schema) propertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromMap builds a Schema from a decoded JSON or YAML document.
// Unknown keywords are ignored.
func FromMap(m map[string]any) (Schema, error) {
	var s Schema
	if m == nil {
		return s, nil
	}

	if raw, ok := m["required"]; ok && raw != nil {
		list, ok := asSlice(raw)
		if !ok {
			return s, fmt.Errorf("required: expected array, got %T", raw)
		}
		for i, item := range list {
			name, ok := item.(string)
			if !ok {
				return s, fmt.Errorf("required[%d]: expected string, got %T", i, item)
			}
			s.Required = append(s.Required, name)
		}
	}

	if raw, ok := m["properties"]; ok && raw != nil {
		props, ok := raw.(map[string]any)
		if !ok {
			return s, fmt.Errorf("properties: expected object, got %T", raw)
		}
		s.Properties = make(map[string]Property, len(props))
		for name, def := range props {
			var p Property
			if dm, ok := def.(map[string]any); ok {
				if t, ok := dm["type"].(string); ok {
					p.Type = t
				}
				if d, ok := dm["description"].(string); ok {
					p.Description = d
				}
			}
			s.Properties[name] = p
		}
	}
	return s, nil
}

func asSlice(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// Tool describes a tool an agent may call. Its InputSchema is the contract
// the agent's structured output is validated against.
type Tool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// HasSchema reports whether the tool carries an input schema.
func (t Tool) HasSchema() bool {
	return t.InputSchema != nil
}

// Schema converts the tool's input schema.
func (t Tool) Schema() (Schema, error) {
	return FromMap(t.InputSchema)
}

// ToolsFrom converts the supported tool list shapes into []Tool.
// It accepts []Tool, []map[string]any and []any of maps. The second return
// value is false for any other shape.
func ToolsFrom(v any) ([]Tool, bool) {
	switch list := v.(type) {
	case []Tool:
		return list, true
	case []map[string]any:
		out := make([]Tool, 0, len(list))
		for _, m := range list {
			out = append(out, toolFromMap(m))
		}
		return out, true
	case []any:
		out := make([]Tool, 0, len(list))
		for _, item := range list {
			switch t := item.(type) {
			case Tool:
				out = append(out, t)
			case map[string]any:
				out = append(out, toolFromMap(t))
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

func toolFromMap(m map[string]any) Tool {
	var t Tool
	t.Name, _ = m["name"].(string)
	t.Description, _ = m["description"].(string)
	t.InputSchema, _ = m["input_schema"].(map[string]any)
	return t
}

// MarshalJSON renders the schema in its JSON Schema form.
func (s Schema) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": "object"}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}
	return json.Marshal(out)
}
