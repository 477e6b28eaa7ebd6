package blocks

import (
	"context"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/relayforge/relay/engine"
)

// ScheduleHandler is the trigger entry point. Cron evaluation happens
// in the embedder's scheduler; by the time the block runs its job is to
// stamp the firing time and pass the trigger payload downstream.
type ScheduleHandler struct {
	Now func() time.Time
}

func (h *ScheduleHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	out := make(map[string]any, len(req.Inputs)+1)
	maps.Copy(out, req.Inputs)
	out["triggered_at"] = now().UTC().Format(time.RFC3339)
	return engine.OK(out)
}

// DelayHandler pauses the branch for a configured number of seconds,
// passing its inputs through unchanged.
type DelayHandler struct{}

func (h *DelayHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	secs, ok := numberValue(req.Config, "durationSeconds")
	if !ok || secs < 0 {
		return engine.Fail(engine.ConfigError(req.Node.ID, "durationSeconds must be a non-negative number"))
	}

	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return engine.Fail(engine.AsError(req.Node.ID, ctx.Err()))
	}

	out := make(map[string]any, len(req.Inputs)+1)
	maps.Copy(out, req.Inputs)
	out["waited"] = secs
	return engine.OK(out)
}

// TransformHandler reshapes inputs. The template value arrives already
// materialized against the merged inputs, so the handler's work is
// selecting the result and applying pick/omit to map-shaped output.
type TransformHandler struct{}

func (h *TransformHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	result, ok := req.Config["template"]
	if !ok {
		result = maps.Clone(req.Inputs)
	}

	pick := stringList(req.Config["pick"])
	omit := stringList(req.Config["omit"])
	if len(pick) > 0 || len(omit) > 0 {
		m, ok := result.(map[string]any)
		if !ok {
			return engine.Fail(engine.ConfigError(req.Node.ID, "pick and omit require an object result"))
		}
		if len(pick) > 0 {
			m = lo.PickByKeys(m, pick)
		}
		if len(omit) > 0 {
			m = lo.OmitByKeys(m, omit)
		}
		result = m
	}

	return engine.OK(map[string]any{"result": result})
}

// CalculatorHandler applies a binary arithmetic operation. Operands
// arrive as numbers or numeric strings, so templated values work either
// way.
type CalculatorHandler struct{}

func (h *CalculatorHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	x, okX := toFloat(req.Config["x"])
	y, okY := toFloat(req.Config["y"])
	if !okX || !okY {
		return engine.Fail(engine.ConfigError(req.Node.ID, "x and y must be numbers"))
	}

	var result float64
	switch op := stringValue(req.Config, "operation"); op {
	case "add":
		result = x + y
	case "subtract":
		result = x - y
	case "multiply":
		result = x * y
	case "divide":
		if y == 0 {
			return engine.Fail(engine.NewError(engine.FailExecution, req.Node.ID, fmt.Errorf("division by zero")))
		}
		result = x / y
	case "power":
		result = math.Pow(x, y)
	case "modulo":
		if y == 0 {
			return engine.Fail(engine.NewError(engine.FailExecution, req.Node.ID, fmt.Errorf("modulo by zero")))
		}
		result = math.Mod(x, y)
	default:
		return engine.Fail(engine.ConfigError(req.Node.ID, fmt.Sprintf("unknown calculator operation %q", op)))
	}

	return engine.OK(map[string]any{"result": result})
}
