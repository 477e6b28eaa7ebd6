// Package sandbox evaluates user-supplied block logic against a fixed
// capability set.
//
// Programs compile with expr-lang against an environment holding exactly
// the block's declared inputs plus four capability objects: console, JSON,
// Math and Date. Nothing else is reachable: no filesystem, no network, no
// process environment, no dynamic loading. Identifiers outside the
// environment are rejected at compile time.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	cache "github.com/patrickmn/go-cache"
)

// Kind selects how the user source is interpreted.
type Kind string

const (
	// KindExpression evaluates a single expression to a value.
	KindExpression Kind = "expression"

	// KindScript evaluates a program that may sequence let-bindings and
	// use console for side output. The final value is the result.
	KindScript Kind = "script"

	// KindTemplate renders {{var}} substitution and {{#if var}} blocks to
	// a string.
	KindTemplate Kind = "template"

	// KindCondition evaluates a boolean expression and derives a route.
	KindCondition Kind = "condition"
)

// Sentinel errors for failure classification at the handler site.
var (
	// ErrCompile marks user source rejected before evaluation: syntax
	// errors, unknown identifiers, unknown kinds, malformed templates.
	ErrCompile = errors.New("compile failed")

	// ErrTimeout marks an evaluation that exceeded the wall-clock limit.
	ErrTimeout = errors.New("evaluation timed out")

	// ErrEval marks a runtime evaluation failure.
	ErrEval = errors.New("evaluation failed")
)

// Console receives log output produced by sandboxed code. Implementations
// must be safe for concurrent use.
type Console interface {
	Log(args ...any)
	Error(args ...any)
}

// Sandbox compiles and runs user logic with a wall-clock limit per
// evaluation. Compiled programs are cached by source and input shape, so
// repeated executions of the same block skip compilation.
type Sandbox struct {
	timeout  time.Duration
	programs *cache.Cache
	now      func() time.Time
}

const (
	programTTL      = 15 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// New creates a Sandbox. A timeout below or equal to zero defaults to 30s.
func New(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sandbox{
		timeout:  timeout,
		programs: cache.New(programTTL, cleanupInterval),
		now:      time.Now,
	}
}

// Eval runs source of the given kind against inputs and returns the block
// output map. The console receives anything the program logs; nil discards
// it. Errors wrap ErrCompile, ErrTimeout or ErrEval.
func (s *Sandbox) Eval(ctx context.Context, kind Kind, source string, inputs map[string]any, console Console) (map[string]any, error) {
	switch kind {
	case KindExpression, KindScript:
		v, err := s.evalExpr(ctx, source, inputs, console, false)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": v}, nil

	case KindCondition:
		v, err := s.evalExpr(ctx, source, inputs, console, true)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: condition returned %T, want bool", ErrEval, v)
		}
		route := "false"
		if b {
			route = "true"
		}
		return map[string]any{"result": b, "route": route}, nil

	case KindTemplate:
		out, err := s.renderTemplate(source, inputs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": out}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrCompile, kind)
}

func (s *Sandbox) evalExpr(ctx context.Context, source string, inputs map[string]any, console Console, asBool bool) (any, error) {
	env := s.environment(inputs, console)
	program, err := s.compile(source, env, asBool)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, program, env)
}

// compile returns the cached program for this source and input shape, or
// compiles and caches a fresh one. The cache key includes the environment
// keys: the same source may be legal for one block's inputs and not
// another's.
func (s *Sandbox) compile(source string, env map[string]any, asBool bool) (*vm.Program, error) {
	key := programKey(source, env, asBool)
	if cached, ok := s.programs.Get(key); ok {
		return cached.(*vm.Program), nil
	}
	opts := []expr.Option{expr.Env(env)}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	s.programs.SetDefault(key, program)
	return program, nil
}

// run executes the program on a worker goroutine bounded by the sandbox
// timeout. The vm call cannot be preempted; on timeout the goroutine is
// left to finish alone and its result is discarded.
func (s *Sandbox) run(ctx context.Context, program *vm.Program, env map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: panic: %v", ErrEval, r)}
			}
		}()
		v, err := expr.Run(program, env)
		if err != nil {
			ch <- outcome{err: fmt.Errorf("%w: %v", ErrEval, err)}
			return
		}
		ch <- outcome{val: v}
	}()

	select {
	case out := <-ch:
		return out.val, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Sandbox) environment(inputs map[string]any, console Console) map[string]any {
	env := make(map[string]any, len(inputs)+4)
	for k, v := range inputs {
		env[k] = v
	}
	env["console"] = consoleAPI{sink: console}
	env["JSON"] = jsonAPI{}
	env["Math"] = mathAPI{}
	env["Date"] = dateAPI{now: s.now}
	return env
}

func programKey(source string, env map[string]any, asBool bool) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(source)
	if asBool {
		b.WriteString("\x00bool")
	}
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k)
	}
	return b.String()
}
