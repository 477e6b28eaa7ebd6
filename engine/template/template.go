// Package template resolves {{path}} expressions against node inputs.
//
// Rendering is pure and deterministic: the same template and inputs always
// produce the same value, inputs are never mutated, and a fully resolved
// value renders to itself. Placeholders that cannot be resolved are left
// literally in place so partially bound templates survive another pass.
package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholder = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
	wholeExpr   = regexp.MustCompile(`^\{\{([^{}]+)\}\}$`)
)

// Render resolves every placeholder in v against inputs.
//
// Strings replace each {{path}} with the value found at the dotted path.
// A string consisting of exactly one placeholder resolves to the raw value
// so numbers and objects keep their type. Maps and slices are rendered
// recursively into fresh copies. Numbers, booleans and nil pass through
// unchanged.
func Render(v any, inputs map[string]any) any {
	switch t := v.(type) {
	case string:
		return RenderString(t, inputs)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Render(val, inputs)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Render(val, inputs)
		}
		return out
	default:
		return v
	}
}

// RenderString resolves placeholders within a single string.
//
// When the whole string is one placeholder the looked-up value is returned
// as-is, preserving its type. Otherwise each resolved placeholder is
// stringified in place and unresolved ones stay literal.
func RenderString(s string, inputs map[string]any) any {
	if m := wholeExpr.FindStringSubmatch(s); m != nil {
		if v, ok := Lookup(inputs, strings.TrimSpace(m[1])); ok {
			return v
		}
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		v, ok := Lookup(inputs, path)
		if !ok {
			return match
		}
		return Stringify(v)
	})
}

// Map renders every value of m, returning a fresh map. A nil map renders
// to an empty one.
func Map(m map[string]any, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Render(v, inputs)
	}
	return out
}

// Lookup walks a dotted path through nested maps and slices.
// Path segments index maps by key and slices by decimal position.
func Lookup(inputs map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = inputs
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify converts a resolved value for embedding inside a larger
// string. Numbers drop a trailing .0, composites encode as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
