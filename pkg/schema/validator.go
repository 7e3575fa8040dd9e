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
	"fmt"
	"math"
)

// Evaluation is the structured result of validating one output.
type Evaluation struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

// Map renders the evaluation as a payload tree.
func (e Evaluation) Map() map[string]any {
	errs := make([]any, len(e.Errors))
	for i, msg := range e.Errors {
		errs[i] = msg
	}
	return map[string]any{"success": e.Success, "errors": errs}
}

func pass() Evaluation {
	return Evaluation{Success: true, Errors: []string{}}
}

func fail(format string, args ...any) Evaluation {
	return Evaluation{Success: false, Errors: []string{fmt.Sprintf(format, args...)}}
}

// Validate checks output against s.
//
// A string output is parsed as JSON first. Required fields are checked in
// declaration order and the first missing one ends validation. Declared
// properties present in the output are then type-checked in name order and
// the first mismatch ends validation. Validate never panics.
func Validate(output any, s Schema) (ev Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			ev = fail("validation error: %v", r)
		}
	}()

	obj, res, ok := normalize(output)
	if !ok {
		return res
	}

	for _, field := range s.Required {
		if _, exists := obj[field]; !exists {
			return fail("missing required field: %s", field)
		}
	}

	for _, name := range s.propertyNames() {
		value, exists := obj[name]
		if !exists {
			continue
		}
		want := s.Properties[name].Type
		if want == "" {
			continue
		}
		if !matchesType(want, value) {
			return fail("field %s should be %s", name, article(want))
		}
	}

	return pass()
}

// ValidateMap is Validate for a schema still in decoded map form.
func ValidateMap(output any, m map[string]any) Evaluation {
	s, err := FromMap(m)
	if err != nil {
		return fail("invalid schema: %v", err)
	}
	return Validate(output, s)
}

// normalize turns output into a string-keyed object.
func normalize(output any) (map[string]any, Evaluation, bool) {
	switch v := output.(type) {
	case map[string]any:
		return v, Evaluation{}, true
	case string:
		return decodeObject([]byte(v))
	case []byte:
		return decodeObject(v)
	case json.RawMessage:
		return decodeObject(v)
	case nil:
		return nil, fail("output is not an object"), false
	}

	// Structs and typed maps go through their JSON form.
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fail("output is not valid JSON"), false
	}
	return decodeObject(data)
}

func decodeObject(data []byte) (map[string]any, Evaluation, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fail("output is not valid JSON"), false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fail("output is not an object"), false
	}
	return obj, Evaluation{}, true
}

func matchesType(want string, value any) bool {
	switch want {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		return isNumber(value)
	case TypeInteger:
		return isInteger(value)
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		switch value.(type) {
		case []any, []string, []float64, []int, []map[string]any:
			return true
		}
		return false
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	}
	// Unknown type names are not checked.
	return true
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		// JSON numbers decode as float64; accept whole values.
		return !math.IsInf(v, 0) && v == math.Trunc(v)
	case float32:
		f := float64(v)
		return !math.IsInf(f, 0) && f == math.Trunc(f)
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}

func article(typeName string) string {
	switch typeName {
	case TypeInteger, TypeArray, TypeObject:
		return "an " + typeName
	}
	return "a " + typeName
}
