package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSandboxTemplate(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		inputs map[string]any
		want   string
	}{
		{
			"substitution",
			"Hello {{name}}",
			map[string]any{"name": "Ada"},
			"Hello Ada",
		},
		{
			"if true keeps block",
			"A{{#if flag}}B{{/if}}C",
			map[string]any{"flag": true},
			"ABC",
		},
		{
			"if false drops block",
			"A{{#if flag}}B{{/if}}C",
			map[string]any{"flag": false},
			"AC",
		},
		{
			"missing condition drops block",
			"A{{#if flag}}B{{/if}}C",
			map[string]any{},
			"AC",
		},
		{
			"substitution inside block",
			"{{#if user}}Hi {{user}}!{{/if}}",
			map[string]any{"user": "Bo"},
			"Hi Bo!",
		},
		{
			"nested blocks",
			"{{#if a}}x{{#if b}}y{{/if}}z{{/if}}",
			map[string]any{"a": true, "b": true},
			"xyz",
		},
		{
			"nested inner false",
			"{{#if a}}x{{#if b}}y{{/if}}z{{/if}}",
			map[string]any{"a": true, "b": false},
			"xz",
		},
		{
			"nested outer false",
			"{{#if a}}x{{#if b}}y{{/if}}z{{/if}}",
			map[string]any{"a": false, "b": true},
			"",
		},
		{
			"sequential blocks",
			"{{#if a}}1{{/if}}-{{#if b}}2{{/if}}",
			map[string]any{"a": true, "b": false},
			"1-",
		},
		{
			"zero is false",
			"{{#if count}}some{{/if}}none",
			map[string]any{"count": float64(0)},
			"none",
		},
		{
			"empty string is false",
			"{{#if note}}noted{{/if}}",
			map[string]any{"note": ""},
			"",
		},
		{
			"dotted condition path",
			"{{#if user.active}}active{{/if}}",
			map[string]any{"user": map[string]any{"active": true}},
			"active",
		},
		{
			"number stringified",
			"count: {{count}}",
			map[string]any{"count": float64(3)},
			"count: 3",
		},
		{
			"whole placeholder stringified",
			"{{count}}",
			map[string]any{"count": float64(3)},
			"3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Eval(ctx, KindTemplate, tt.source, tt.inputs, nil)
			if err != nil {
				t.Fatalf("Expected render, got %v", err)
			}
			if out["result"] != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, out["result"])
			}
		})
	}
}

func TestSandboxTemplateMalformed(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()

	for _, source := range []string{
		"{{#if flag}}open forever",
		"{{#if flag}}a{{#if inner}}b{{/if}}",
	} {
		if _, err := s.Eval(ctx, KindTemplate, source, map[string]any{"flag": true}, nil); !errors.Is(err, ErrCompile) {
			t.Errorf("Expected ErrCompile for %q, got %v", source, err)
		}
	}
}
