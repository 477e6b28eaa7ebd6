package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/relay/engine/emit"
	"github.com/relayforge/relay/engine/template"
)

// Request carries everything a block handler needs for one attempt.
//
// Config is the node configuration after template materialization, while
// Node.Config keeps the raw authored values. Inputs is the merged output
// of the node's parents plus the trigger payload for entry nodes.
type Request struct {
	ExecutionID     string
	NodeExecutionID string
	Node            Node
	Config          map[string]any
	Inputs          map[string]any
	Attempt         int
	Context         *ExecutionContext
}

// Handler executes one block type. Implementations must honor ctx
// cancellation and report failures through Result.Err rather than panics.
type Handler interface {
	Execute(ctx context.Context, req Request) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) Result

func (f HandlerFunc) Execute(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// Registry maps block types to handlers and decorates every lookup with
// metrics, handler-level logging, and optional circuit breaker gating.
//
// Lookups never fail: unregistered types resolve to a fallback handler
// that reports a non-retryable configuration failure, so a workflow
// carrying an unknown type fails loudly at the offending node instead of
// crashing the worker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[BlockType]Handler

	metrics  *Metrics
	breakers *BreakerSet
}

// NewRegistry creates an empty registry. Both metrics and breakers may be
// nil; decoration degrades to a plain passthrough.
func NewRegistry(metrics *Metrics, breakers *BreakerSet) *Registry {
	return &Registry{
		handlers: make(map[BlockType]Handler),
		metrics:  metrics,
		breakers: breakers,
	}
}

// Register installs the handler for a block type, replacing any previous
// registration.
func (r *Registry) Register(t BlockType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(t BlockType, f HandlerFunc) {
	r.Register(t, f)
}

// Handler returns the decorated handler for a block type.
func (r *Registry) Handler(t BlockType) Handler {
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		h = HandlerFunc(unknownHandler)
	}
	return &instrumented{registry: r, blockType: t, next: h}
}

// Types lists the registered block types in ascending order.
func (r *Registry) Types() []BlockType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BlockType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unknownHandler(ctx context.Context, req Request) Result {
	return Fail(ConfigError(req.Node.ID, fmt.Sprintf("unknown block type %q", req.Node.Type)))
}

// instrumented wraps a handler with breaker gating, latency metrics, and
// debug logging around the dispatch.
type instrumented struct {
	registry  *Registry
	blockType BlockType
	next      Handler
}

func (in *instrumented) Execute(ctx context.Context, req Request) Result {
	scope, operation, guarded := breakerKey(req)
	if guarded {
		if err := in.registry.breakers.Allow(ctx, scope, operation, req.Node.ID); err != nil {
			return Fail(err)
		}
	}

	if req.Context != nil {
		req.Context.LogNode(ctx, emit.LevelDebug, req.Node.ID, req.NodeExecutionID,
			"dispatching handler", map[string]any{
				"blockType": string(in.blockType),
				"attempt":   req.Attempt,
			})
	}

	start := time.Now()
	res := in.next.Execute(ctx, req)
	elapsed := time.Since(start)

	status := "succeeded"
	if res.Err != nil {
		status = "failed"
	}
	in.registry.metrics.RecordNodeLatency(in.blockType, elapsed, status)

	if guarded {
		if res.Err != nil {
			in.registry.breakers.RecordFailure(ctx, scope, operation)
		} else {
			in.registry.breakers.RecordSuccess(ctx, scope, operation)
		}
	}

	if req.Context != nil {
		fields := map[string]any{
			"blockType":   string(in.blockType),
			"attempt":     req.Attempt,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
		}
		level := emit.LevelDebug
		if res.Err != nil {
			level = emit.LevelWarn
			fields["error"] = res.Err.Error()
		}
		req.Context.LogNode(ctx, level, req.Node.ID, req.NodeExecutionID, "handler finished", fields)
	}
	return res
}

// breakerKey reads the circuit breaker opt-in from node configuration.
// Blockchain transactions are guarded unless the node disables the
// breaker explicitly; every other type opts in. The operation is the
// block type. An explicit scope option wins; chain transactions
// otherwise derive one from the chain id and signing key so failures
// accumulate per endpoint and account, and all other guarded nodes
// share "default".
func breakerKey(req Request) (scope, operation string, enabled bool) {
	cfg := req.Config
	if cfg == nil {
		cfg = req.Node.Config
	}
	enabled = req.Node.Type == BlockBlockchainTransaction
	switch v := cfg["useCircuitBreaker"].(type) {
	case bool:
		enabled = v
	case string:
		if v == "true" || v == "false" {
			enabled = v == "true"
		}
	}
	if !enabled {
		return "", "", false
	}
	if s, ok := cfg["scope"].(string); ok && s != "" {
		return s, string(req.Node.Type), true
	}
	scope = "default"
	if req.Node.Type == BlockBlockchainTransaction {
		scope = chainScope(cfg)
	}
	return scope, string(req.Node.Type), true
}

// chainScope keys a transaction circuit by chain and signing account.
// The account part is a fingerprint of the signing key, which partitions
// scopes the same way the derived sender address would.
func chainScope(cfg map[string]any) string {
	scope := "chain"
	if id, ok := cfg["chain_id"]; ok && id != nil {
		scope += ":" + template.Stringify(id)
	}
	if key, ok := cfg["private_key"].(string); ok && key != "" {
		sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimPrefix(key, "0x"))))
		scope += ":" + hex.EncodeToString(sum[:4])
	}
	return scope
}
