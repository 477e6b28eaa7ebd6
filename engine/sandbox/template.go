package sandbox

import (
	"fmt"
	"strings"

	"github.com/relayforge/relay/engine/template"
)

const (
	ifOpen  = "{{#if "
	ifClose = "{{/if}}"
)

// renderTemplate resolves {{#if path}}...{{/if}} blocks against the inputs
// and then substitutes the remaining {{path}} placeholders. Conditional
// blocks nest; a false condition drops the whole block including nested
// content.
func (s *Sandbox) renderTemplate(source string, inputs map[string]any) (string, error) {
	resolved, err := renderIf(source, inputs)
	if err != nil {
		return "", err
	}
	v := template.RenderString(resolved, inputs)
	if str, ok := v.(string); ok {
		return str, nil
	}
	return template.Stringify(v), nil
}

func renderIf(s string, inputs map[string]any) (string, error) {
	start := strings.Index(s, ifOpen)
	if start < 0 {
		return s, nil
	}
	head := s[:start]
	rest := s[start+len(ifOpen):]
	condEnd := strings.Index(rest, "}}")
	if condEnd < 0 {
		return "", fmt.Errorf("%w: unterminated {{#if}}", ErrCompile)
	}
	path := strings.TrimSpace(rest[:condEnd])
	body := rest[condEnd+2:]

	// Find the matching close, skipping nested blocks.
	depth, off := 1, 0
	for {
		nextOpen := strings.Index(body[off:], ifOpen)
		nextClose := strings.Index(body[off:], ifClose)
		if nextClose < 0 {
			return "", fmt.Errorf("%w: missing {{/if}}", ErrCompile)
		}
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			off += nextOpen + len(ifOpen)
			continue
		}
		depth--
		if depth > 0 {
			off += nextClose + len(ifClose)
			continue
		}

		inner := body[:off+nextClose]
		tail := body[off+nextClose+len(ifClose):]

		var rendered string
		if truthy(inputs, path) {
			r, err := renderIf(inner, inputs)
			if err != nil {
				return "", err
			}
			rendered = r
		}
		renderedTail, err := renderIf(tail, inputs)
		if err != nil {
			return "", err
		}
		return head + rendered + renderedTail, nil
	}
}

// truthy reports whether the value at path reads as true: present, non-nil,
// not false, not zero, not empty.
func truthy(inputs map[string]any, path string) bool {
	v, ok := template.Lookup(inputs, path)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
