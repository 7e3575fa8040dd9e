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

package expression

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Functions returns the helpers available to expressions.
// expr-lang reserves "contains", "in", "matches" and "count" as operators,
// so the helpers use other names.
func Functions() map[string]any {
	return map[string]any{
		"has":       hasFn,
		"match":     matchFn,
		"len":       lenFn,
		"lowercase": lowercaseFn,
		"uppercase": uppercaseFn,
		"json":      jsonFn,
	}
}

// hasFn checks if a string contains a substring or a collection contains
// an element or key.
func hasFn(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	haystack, needle := args[0], args[1]
	if haystack == nil {
		return false, nil
	}

	v := reflect.ValueOf(haystack)
	switch v.Kind() {
	case reflect.String:
		substr, ok := needle.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(v.String(), substr), nil
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		key := reflect.ValueOf(needle)
		if !key.IsValid() || !key.Type().AssignableTo(v.Type().Key()) {
			return false, nil
		}
		return v.MapIndex(key).IsValid(), nil
	default:
		return false, fmt.Errorf("has: unsupported type %T", haystack)
	}
}

// matchFn checks if a string matches a regular expression.
func matchFn(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("match requires exactly 2 arguments, got %d", len(args))
	}
	str, ok := args[0].(string)
	if !ok {
		return false, fmt.Errorf("match: first argument must be a string, got %T", args[0])
	}
	pattern, ok := args[1].(string)
	if !ok {
		return false, fmt.Errorf("match: second argument must be a string pattern, got %T", args[1])
	}
	matched, err := regexp.MatchString(pattern, str)
	if err != nil {
		return false, fmt.Errorf("match: invalid regex pattern: %w", err)
	}
	return matched, nil
}

// lenFn returns the length of a string, slice or map.
func lenFn(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("len: cannot get length of type %T", args[0])
	}
}

func lowercaseFn(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lowercase requires exactly 1 argument, got %d", len(args))
	}
	str, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("lowercase: expected string, got %T", args[0])
	}
	return strings.ToLower(str), nil
}

func uppercaseFn(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("uppercase requires exactly 1 argument, got %d", len(args))
	}
	str, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("uppercase: expected string, got %T", args[0])
	}
	return strings.ToUpper(str), nil
}

// jsonFn parses a JSON string into a value.
func jsonFn(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("json requires exactly 1 argument, got %d", len(args))
	}
	str, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("json: expected string, got %T", args[0])
	}
	var result any
	if err := json.Unmarshal([]byte(str), &result); err != nil {
		return nil, fmt.Errorf("json: failed to parse JSON: %w", err)
	}
	return result, nil
}
