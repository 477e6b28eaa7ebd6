package blocks

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/relay/engine"
)

func TestScheduleHandlerStampsFiringTime(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := &ScheduleHandler{Now: func() time.Time { return fixed }}

	res := h.Execute(context.Background(), testRequest("entry", engine.BlockSchedule, map[string]any{
		"cron": "0 * * * *",
	}, map[string]any{"source": "cron"}))
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Output["triggered_at"] != "2025-06-01T12:00:00Z" {
		t.Errorf("Expected RFC3339 firing time, got %v", res.Output["triggered_at"])
	}
	if res.Output["source"] != "cron" {
		t.Errorf("Expected trigger payload to pass through, got %v", res.Output)
	}
}

func TestDelayHandlerWaits(t *testing.T) {
	h := &DelayHandler{}

	start := time.Now()
	res := h.Execute(context.Background(), testRequest("wait", engine.BlockDelay, map[string]any{
		"durationSeconds": 0.05,
	}, map[string]any{"n": float64(7)}))
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected at least 50ms wait, got %s", elapsed)
	}
	if res.Output["waited"] != 0.05 {
		t.Errorf("Expected waited 0.05, got %v", res.Output["waited"])
	}
	if res.Output["n"] != float64(7) {
		t.Errorf("Expected inputs to pass through, got %v", res.Output)
	}
}

func TestDelayHandlerHonorsCancellation(t *testing.T) {
	h := &DelayHandler{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan engine.Result, 1)
	go func() {
		done <- h.Execute(ctx, testRequest("wait", engine.BlockDelay, map[string]any{
			"durationSeconds": 60,
		}, nil))
	}()
	cancel()

	select {
	case res := <-done:
		if res.Err == nil {
			t.Fatal("Expected a failure after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the delay to return promptly after cancellation")
	}
}

func TestDelayHandlerRejectsBadDuration(t *testing.T) {
	h := &DelayHandler{}
	for _, cfg := range []map[string]any{
		{},
		{"durationSeconds": "soon"},
		{"durationSeconds": -1},
	} {
		res := h.Execute(context.Background(), testRequest("wait", engine.BlockDelay, cfg, nil))
		if res.Err == nil || res.Err.Kind != engine.FailConfig {
			t.Errorf("Expected CONFIG failure for %v, got %v", cfg, res.Err)
		}
	}
}

func TestTransformHandler(t *testing.T) {
	h := &TransformHandler{}

	t.Run("materialized template becomes the result", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("shape", engine.BlockTransform, map[string]any{
			"template": map[string]any{"total": float64(31.5), "label": "order"},
		}, map[string]any{"ignored": true}))
		if res.Err != nil {
			t.Fatalf("Expected success, got %v", res.Err)
		}
		result, ok := res.Output["result"].(map[string]any)
		if !ok {
			t.Fatalf("Expected map result, got %T", res.Output["result"])
		}
		if result["total"] != float64(31.5) || result["label"] != "order" {
			t.Errorf("Expected template value as result, got %v", result)
		}
	})

	t.Run("no template passes inputs through", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("shape", engine.BlockTransform, map[string]any{},
			map[string]any{"a": float64(1), "b": "two"}))
		if res.Err != nil {
			t.Fatalf("Expected success, got %v", res.Err)
		}
		result := res.Output["result"].(map[string]any)
		if result["a"] != float64(1) || result["b"] != "two" {
			t.Errorf("Expected inputs as result, got %v", result)
		}
	})

	t.Run("pick keeps only listed keys", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("shape", engine.BlockTransform, map[string]any{
			"pick": []any{"a"},
		}, map[string]any{"a": float64(1), "b": "two"}))
		result := res.Output["result"].(map[string]any)
		if len(result) != 1 || result["a"] != float64(1) {
			t.Errorf("Expected only a, got %v", result)
		}
	})

	t.Run("omit drops listed keys", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("shape", engine.BlockTransform, map[string]any{
			"omit": []any{"secret"},
		}, map[string]any{"a": float64(1), "secret": "hunter2"}))
		result := res.Output["result"].(map[string]any)
		if _, ok := result["secret"]; ok {
			t.Errorf("Expected secret to be omitted, got %v", result)
		}
		if result["a"] != float64(1) {
			t.Errorf("Expected a to survive, got %v", result)
		}
	})

	t.Run("pick on scalar result fails", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("shape", engine.BlockTransform, map[string]any{
			"template": "flat string",
			"pick":     []any{"a"},
		}, nil))
		if res.Err == nil || res.Err.Kind != engine.FailConfig {
			t.Fatalf("Expected CONFIG failure, got %v", res.Err)
		}
	})

	t.Run("scalar template result", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("shape", engine.BlockTransform, map[string]any{
			"template": float64(99),
		}, nil))
		if res.Err != nil {
			t.Fatalf("Expected success, got %v", res.Err)
		}
		if res.Output["result"] != float64(99) {
			t.Errorf("Expected scalar result, got %v", res.Output["result"])
		}
	})
}

func TestCalculatorHandler(t *testing.T) {
	h := &CalculatorHandler{}

	tests := []struct {
		name string
		cfg  map[string]any
		want float64
	}{
		{name: "add", cfg: map[string]any{"operation": "add", "x": float64(2), "y": float64(3)}, want: 5},
		{name: "subtract", cfg: map[string]any{"operation": "subtract", "x": float64(2), "y": float64(3)}, want: -1},
		{name: "multiply", cfg: map[string]any{"operation": "multiply", "x": float64(4), "y": float64(2.5)}, want: 10},
		{name: "divide", cfg: map[string]any{"operation": "divide", "x": float64(9), "y": float64(2)}, want: 4.5},
		{name: "power", cfg: map[string]any{"operation": "power", "x": float64(2), "y": float64(10)}, want: 1024},
		{name: "modulo", cfg: map[string]any{"operation": "modulo", "x": float64(9), "y": float64(4)}, want: 1},
		{name: "string operands", cfg: map[string]any{"operation": "add", "x": "1.5", "y": "2"}, want: 3.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.Execute(context.Background(), testRequest("calc", engine.BlockCalculator, tt.cfg, nil))
			if res.Err != nil {
				t.Fatalf("Expected success, got %v", res.Err)
			}
			if res.Output["result"] != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, res.Output["result"])
			}
		})
	}
}

func TestCalculatorHandlerFailures(t *testing.T) {
	h := &CalculatorHandler{}

	t.Run("division by zero", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("calc", engine.BlockCalculator, map[string]any{
			"operation": "divide", "x": float64(1), "y": float64(0),
		}, nil))
		if res.Err == nil || res.Err.Kind != engine.FailExecution {
			t.Fatalf("Expected EXECUTION failure, got %v", res.Err)
		}
		if res.Err.CanRetry() {
			t.Error("Expected division by zero to be final")
		}
	})

	t.Run("non-numeric operand", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("calc", engine.BlockCalculator, map[string]any{
			"operation": "add", "x": "soon", "y": float64(1),
		}, nil))
		if res.Err == nil || res.Err.Kind != engine.FailConfig {
			t.Fatalf("Expected CONFIG failure, got %v", res.Err)
		}
	})

	t.Run("unknown operation", func(t *testing.T) {
		res := h.Execute(context.Background(), testRequest("calc", engine.BlockCalculator, map[string]any{
			"operation": "cube", "x": float64(1), "y": float64(1),
		}, nil))
		if res.Err == nil || res.Err.Kind != engine.FailConfig {
			t.Fatalf("Expected CONFIG failure, got %v", res.Err)
		}
	})
}
