package blocks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/emit"
	"github.com/relayforge/relay/engine/sandbox"
)

// ConditionHandler evaluates a boolean expression over the node inputs
// and routes downstream edges by the result.
type ConditionHandler struct {
	Sandbox *sandbox.Sandbox
}

func (h *ConditionHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	expression := stringValue(req.Config, "expression")
	if expression == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "expression is required"))
	}

	out, err := h.Sandbox.Eval(ctx, sandbox.KindCondition, expression, req.Inputs, nodeConsole{ctx: ctx, req: req})
	if err != nil {
		return engine.Fail(sandboxFailure(req.Node.ID, err))
	}
	return engine.OK(out)
}

// CustomHandler runs user-authored code in one of the sandbox kinds.
// The optional inputs list narrows which merged inputs the code can
// see.
type CustomHandler struct {
	Sandbox *sandbox.Sandbox
}

func (h *CustomHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	source := stringValue(req.Config, "source")
	if source == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "source is required"))
	}

	kind := sandbox.Kind(stringValue(req.Config, "kind"))
	if kind == "" {
		kind = sandbox.KindExpression
	}

	inputs := req.Inputs
	if declared := stringList(req.Config["inputs"]); len(declared) > 0 {
		inputs = make(map[string]any, len(declared))
		for _, name := range declared {
			if v, ok := req.Inputs[name]; ok {
				inputs[name] = v
			}
		}
	}

	out, err := h.Sandbox.Eval(ctx, kind, source, inputs, nodeConsole{ctx: ctx, req: req})
	if err != nil {
		return engine.Fail(sandboxFailure(req.Node.ID, err))
	}
	return engine.OK(out)
}

// sandboxFailure maps sandbox errors onto failure kinds: compile
// problems are configuration, timeouts are final because rerunning the
// same code yields the same loop, anything else classifies by text.
func sandboxFailure(nodeID string, err error) *engine.Error {
	switch {
	case errors.Is(err, sandbox.ErrCompile):
		return engine.ConfigError(nodeID, err.Error())
	case errors.Is(err, sandbox.ErrTimeout):
		return &engine.Error{Kind: engine.FailTimeout, NodeID: nodeID, Message: err.Error()}
	default:
		return engine.AsError(nodeID, err)
	}
}

// nodeConsole surfaces sandbox console output in the execution log.
type nodeConsole struct {
	ctx context.Context
	req engine.Request
}

func (c nodeConsole) Log(args ...any) {
	c.write(emit.LevelInfo, "console.log", args)
}

func (c nodeConsole) Error(args ...any) {
	c.write(emit.LevelError, "console.error", args)
}

func (c nodeConsole) write(level emit.Level, msg string, args []any) {
	if c.req.Context == nil {
		return
	}
	c.req.Context.LogNode(c.ctx, level, c.req.Node.ID, c.req.NodeExecutionID, msg, map[string]any{
		"output": strings.TrimSuffix(fmt.Sprintln(args...), "\n"),
	})
}
