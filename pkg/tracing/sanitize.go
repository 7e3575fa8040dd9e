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

package tracing

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// MaxSanitizeDepth bounds recursion when sanitizing nested values.
const MaxSanitizeDepth = 32

// Markers substituted for values that cannot be represented.
const (
	MaxDepthMarker = "<max depth exceeded>"
	CycleMarker    = "<cycle>"
)

// Dumper is implemented by values that know how to render themselves as a
// plain JSON-compatible structure.
type Dumper interface {
	Dump() any
}

// Sanitize converts v into a tree made only of nil, bool, int64, uint64,
// float64, json.Number, string, []any and map[string]any. Integers keep
// their exact value. It never fails: anything it cannot represent
// degrades to its fmt string form. Cycles are replaced by CycleMarker and
// nesting deeper than MaxSanitizeDepth by MaxDepthMarker.
func Sanitize(v any) any {
	s := sanitizer{seen: make(map[uintptr]struct{})}
	return s.value(reflect.ValueOf(v), 0)
}

type sanitizer struct {
	seen map[uintptr]struct{}
}

var (
	dumperType    = reflect.TypeOf((*Dumper)(nil)).Elem()
	marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textType      = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	timeType      = reflect.TypeOf(time.Time{})
	numberType    = reflect.TypeOf(json.Number(""))
)

func (s *sanitizer) value(v reflect.Value, depth int) (out any) {
	if !v.IsValid() {
		return nil
	}
	if depth > MaxSanitizeDepth {
		return MaxDepthMarker
	}

	defer func() {
		// Dump, MarshalJSON and String implementations can panic.
		if r := recover(); r != nil {
			out = fmt.Sprintf("<unsanitizable %s: %v>", v.Type(), r)
		}
	}()

	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		return s.value(v.Elem(), depth)
	}

	if isNilPointerLike(v) {
		return nil
	}

	if v.CanInterface() {
		switch {
		case v.Type().Implements(dumperType):
			return s.value(reflect.ValueOf(v.Interface().(Dumper).Dump()), depth+1)
		case v.Type() == numberType:
			return v.Interface().(json.Number)
		case v.Type() == timeType:
			return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano)
		case v.Type().Implements(marshalerType):
			return s.marshaled(v)
		case v.Type().Implements(errorType):
			return v.Interface().(error).Error()
		case v.Type().Implements(textType):
			if text, err := v.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
				return string(text)
			}
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprint(f)
		}
		return f
	case reflect.String:
		return v.String()

	case reflect.Pointer:
		ptr := v.Pointer()
		if _, ok := s.seen[ptr]; ok {
			return CycleMarker
		}
		s.seen[ptr] = struct{}{}
		defer delete(s.seen, ptr)
		return s.value(v.Elem(), depth+1)

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
		ptr := v.Pointer()
		if _, ok := s.seen[ptr]; ok && v.Len() > 0 {
			return CycleMarker
		}
		s.seen[ptr] = struct{}{}
		defer delete(s.seen, ptr)
		return s.list(v, depth)

	case reflect.Array:
		return s.list(v, depth)

	case reflect.Map:
		ptr := v.Pointer()
		if _, ok := s.seen[ptr]; ok {
			return CycleMarker
		}
		s.seen[ptr] = struct{}{}
		defer delete(s.seen, ptr)
		return s.mapping(v, depth)

	case reflect.Struct:
		return s.structure(v, depth)
	}

	if v.CanInterface() {
		return fmt.Sprint(v.Interface())
	}
	return v.String()
}

func isNilPointerLike(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func (s *sanitizer) marshaled(v reflect.Value) any {
	data, err := v.Interface().(json.Marshaler).MarshalJSON()
	if err != nil {
		return fmt.Sprint(v.Interface())
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return string(data)
	}
	return out
}

func (s *sanitizer) list(v reflect.Value, depth int) any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = s.value(v.Index(i), depth+1)
	}
	return out
}

func (s *sanitizer) mapping(v reflect.Value, depth int) any {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out[mapKey(iter.Key())] = s.value(iter.Value(), depth+1)
	}
	return out
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		return fmt.Sprint(k.Interface())
	}
	return k.String()
}

// structure maps exported fields by their JSON names. Fields tagged "-" are
// skipped and embedded structs are flattened.
func (s *sanitizer) structure(v reflect.Value, depth int) any {
	out := make(map[string]any)
	s.fields(v, depth, out)
	return out
}

func (s *sanitizer) fields(v reflect.Value, depth int, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonName(f)
		if skip {
			continue
		}
		fv := v.Field(i)
		if f.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				s.fields(inner, depth, out)
				continue
			}
		}
		if name == "" {
			name = f.Name
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = s.value(fv, depth+1)
	}
}

func jsonName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	return name, strings.Contains(opts, "omitempty"), false
}
