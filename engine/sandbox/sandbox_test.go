package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingConsole captures sandbox log output for assertions.
type recordingConsole struct {
	mu    sync.Mutex
	lines []string
	block chan struct{} // when set, Log waits for it to close
	began chan struct{} // closed on first Log
	once  sync.Once
}

func (c *recordingConsole) Log(args ...any) {
	if c.began != nil {
		c.once.Do(func() { close(c.began) })
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprint(args...))
}

func (c *recordingConsole) Error(args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, "error: "+fmt.Sprint(args...))
}

func (c *recordingConsole) logged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func TestSandboxExpression(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()

	out, err := s.Eval(ctx, KindExpression, "price * quantity", map[string]any{
		"price":    float64(10.5),
		"quantity": float64(3),
	}, nil)
	if err != nil {
		t.Fatalf("Expected evaluation, got %v", err)
	}
	if out["result"] != float64(31.5) {
		t.Errorf("Expected 31.5, got %v", out["result"])
	}

	out, err = s.Eval(ctx, KindExpression, `greeting + ", " + name`, map[string]any{
		"greeting": "hello",
		"name":     "relay",
	}, nil)
	if err != nil {
		t.Fatalf("Expected evaluation, got %v", err)
	}
	if out["result"] != "hello, relay" {
		t.Errorf("Expected greeting, got %v", out["result"])
	}
}

func TestSandboxConditionRoutes(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		price     float64
		wantBool  bool
		wantRoute string
	}{
		{"above threshold", 12, true, "true"},
		{"below threshold", 8, false, "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Eval(ctx, KindCondition, "price > threshold", map[string]any{
				"price":     tt.price,
				"threshold": float64(10),
			}, nil)
			if err != nil {
				t.Fatalf("Expected evaluation, got %v", err)
			}
			if out["result"] != tt.wantBool {
				t.Errorf("Expected result %v, got %v", tt.wantBool, out["result"])
			}
			if out["route"] != tt.wantRoute {
				t.Errorf("Expected route %q, got %v", tt.wantRoute, out["route"])
			}
		})
	}
}

func TestSandboxConditionRequiresBool(t *testing.T) {
	s := New(time.Second)
	_, err := s.Eval(context.Background(), KindCondition, "1 + 2", nil, nil)
	if err == nil {
		t.Fatal("Expected non-boolean condition to fail")
	}
	if !errors.Is(err, ErrCompile) {
		t.Errorf("Expected ErrCompile, got %v", err)
	}
}

func TestSandboxRejectsUnknownIdentifier(t *testing.T) {
	s := New(time.Second)
	_, err := s.Eval(context.Background(), KindExpression, "missing + 1", map[string]any{
		"present": float64(1),
	}, nil)
	if err == nil {
		t.Fatal("Expected unknown identifier to fail compilation")
	}
	if !errors.Is(err, ErrCompile) {
		t.Errorf("Expected ErrCompile, got %v", err)
	}
}

func TestSandboxScript(t *testing.T) {
	s := New(time.Second)
	console := &recordingConsole{}

	out, err := s.Eval(context.Background(), KindScript,
		`let doubled = price * 2; let note = console.Log("doubled", doubled); doubled`,
		map[string]any{"price": float64(10.5)}, console)
	if err != nil {
		t.Fatalf("Expected evaluation, got %v", err)
	}
	if out["result"] != float64(21) {
		t.Errorf("Expected 21, got %v", out["result"])
	}
	if got := console.logged(); len(got) != 1 {
		t.Errorf("Expected one console line, got %v", got)
	}
}

func TestSandboxEvalError(t *testing.T) {
	s := New(time.Second)
	_, err := s.Eval(context.Background(), KindExpression, `JSON.Decode(payload)`, map[string]any{
		"payload": "{not json",
	}, nil)
	if err == nil {
		t.Fatal("Expected decode failure")
	}
	if !errors.Is(err, ErrEval) {
		t.Errorf("Expected ErrEval, got %v", err)
	}
}

func TestSandboxUnknownKind(t *testing.T) {
	s := New(time.Second)
	_, err := s.Eval(context.Background(), Kind("macro"), "1", nil, nil)
	if !errors.Is(err, ErrCompile) {
		t.Errorf("Expected ErrCompile for unknown kind, got %v", err)
	}
}

func TestSandboxTimeout(t *testing.T) {
	s := New(50 * time.Millisecond)
	console := &recordingConsole{block: make(chan struct{})}
	defer close(console.block)

	start := time.Now()
	_, err := s.Eval(context.Background(), KindScript,
		`let x = console.Log("tick"); 1`, nil, console)
	if err == nil {
		t.Fatal("Expected timeout")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected prompt return on timeout, took %s", elapsed)
	}
}

func TestSandboxCancelledContext(t *testing.T) {
	s := New(10 * time.Second)
	console := &recordingConsole{block: make(chan struct{}), began: make(chan struct{})}
	defer close(console.block)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Eval(ctx, KindScript, `let x = console.Log("tick"); 1`, nil, console)
		done <- err
	}()

	<-console.began
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Eval did not honor cancellation")
	}
}

func TestSandboxProgramCache(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()
	inputs := map[string]any{"x": float64(2)}

	if _, err := s.Eval(ctx, KindExpression, "x + 1", inputs, nil); err != nil {
		t.Fatal(err)
	}
	if got := s.programs.ItemCount(); got != 1 {
		t.Fatalf("Expected 1 cached program, got %d", got)
	}

	// Same source and shape reuses the entry.
	if _, err := s.Eval(ctx, KindExpression, "x + 1", inputs, nil); err != nil {
		t.Fatal(err)
	}
	if got := s.programs.ItemCount(); got != 1 {
		t.Errorf("Expected cache hit, got %d entries", got)
	}

	// Different input shape compiles separately.
	if _, err := s.Eval(ctx, KindExpression, "x + 1", map[string]any{
		"x": float64(2),
		"y": float64(3),
	}, nil); err != nil {
		t.Fatal(err)
	}
	if got := s.programs.ItemCount(); got != 2 {
		t.Errorf("Expected separate entry per shape, got %d", got)
	}
}

func TestSandboxCapabilities(t *testing.T) {
	s := New(time.Second)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		inputs map[string]any
		want   any
	}{
		{"math max", "Math.Max(x, y)", map[string]any{"x": float64(3), "y": float64(7)}, float64(7)},
		{"math round", "Math.Round(x)", map[string]any{"x": float64(2.6)}, float64(3)},
		{"math pow", "Math.Pow(x, y)", map[string]any{"x": float64(2), "y": float64(10)}, float64(1024)},
		{"json encode", "JSON.Encode(obj)", map[string]any{"obj": map[string]any{"a": float64(1)}}, `{"a":1}`},
		{"date now", "Date.Now()", nil, "2025-06-01T12:00:00Z"},
		{"date unix", "Date.Unix()", nil, int64(1748779200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Eval(ctx, KindExpression, tt.source, tt.inputs, nil)
			if err != nil {
				t.Fatalf("Expected evaluation, got %v", err)
			}
			if out["result"] != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, out["result"])
			}
		})
	}
}

func TestSandboxJSONDecode(t *testing.T) {
	s := New(time.Second)
	out, err := s.Eval(context.Background(), KindExpression, "JSON.Decode(payload)", map[string]any{
		"payload": `{"a": 1, "b": "two"}`,
	}, nil)
	if err != nil {
		t.Fatalf("Expected evaluation, got %v", err)
	}
	m, ok := out["result"].(map[string]any)
	if !ok {
		t.Fatalf("Expected decoded map, got %T", out["result"])
	}
	if m["a"] != float64(1) || m["b"] != "two" {
		t.Errorf("Expected decoded fields, got %v", m)
	}
}
