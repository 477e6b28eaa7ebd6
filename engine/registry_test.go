package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry(nil, nil)
	h := reg.Handler(BlockType("MYSTERY"))

	res := h.Execute(context.Background(), Request{Node: Node{ID: "n1", Type: "MYSTERY"}})
	if res.Err == nil {
		t.Fatal("Expected failure for unknown block type")
	}
	if res.Err.Kind != FailConfig {
		t.Errorf("Expected CONFIG failure, got %s", res.Err.Kind)
	}
	if want := `unknown block type "MYSTERY"`; res.Err.Message != want {
		t.Errorf("Expected %q, got %q", want, res.Err.Message)
	}
	if res.Err.CanRetry() {
		t.Error("Expected unknown block type to be fatal")
	}
}

func TestRegistryDispatchesRegisteredHandler(t *testing.T) {
	reg := NewRegistry(nil, nil)
	var got Request
	reg.RegisterFunc(BlockTransform, func(ctx context.Context, req Request) Result {
		got = req
		return OK(map[string]any{"result": "done"})
	})

	req := Request{
		ExecutionID: "exec-1",
		Node:        Node{ID: "n1", Type: BlockTransform},
		Config:      map[string]any{"pick": []any{"a"}},
		Inputs:      map[string]any{"a": 1},
		Attempt:     2,
	}
	res := reg.Handler(BlockTransform).Execute(context.Background(), req)
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Output["result"] != "done" {
		t.Errorf("Expected handler output, got %v", res.Output)
	}
	if got.Attempt != 2 || got.Node.ID != "n1" || got.ExecutionID != "exec-1" {
		t.Errorf("Expected request passed through unchanged, got %+v", got)
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := NewRegistry(nil, nil)
	noop := func(ctx context.Context, req Request) Result { return OK(nil) }
	reg.RegisterFunc(BlockTransform, noop)
	reg.RegisterFunc(BlockCondition, noop)
	reg.RegisterFunc(BlockEmail, noop)

	want := []BlockType{BlockCondition, BlockEmail, BlockTransform}
	if got := reg.Types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestRegistryBreakerGating(t *testing.T) {
	gw := newFakeGateway()
	bs, _ := testBreakerSet(gw, 2, time.Minute)
	reg := NewRegistry(nil, bs)

	calls := 0
	reg.RegisterFunc(BlockHTTP, func(ctx context.Context, req Request) Result {
		calls++
		return Fail(AsError(req.Node.ID, errors.New("connection refused")))
	})

	req := Request{
		Node: Node{ID: "n1", Type: BlockHTTP},
		Config: map[string]any{
			"url":               "https://api.example.com",
			"useCircuitBreaker": true,
			"scope":             "payments",
		},
	}
	h := reg.Handler(BlockHTTP)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := h.Execute(ctx, req); res.Err == nil || res.Err.Kind != FailExecution {
			t.Fatalf("Expected handler failure on call %d, got %+v", i+1, res.Err)
		}
	}
	if calls != 2 {
		t.Fatalf("Expected 2 handler calls, got %d", calls)
	}

	res := h.Execute(ctx, req)
	if res.Err == nil || res.Err.Kind != FailCircuitOpen {
		t.Fatalf("Expected CIRCUIT_OPEN after threshold, got %+v", res.Err)
	}
	if calls != 2 {
		t.Errorf("Expected handler bypassed while open, got %d calls", calls)
	}

	if st := bs.State(ctx, "payments", string(BlockHTTP)); st.Phase != BreakerOpen {
		t.Errorf("Expected payments/HTTP open, got %s", st.Phase)
	}
}

func TestRegistryBreakerOptIn(t *testing.T) {
	newGuardedRegistry := func() (*Registry, *int) {
		gw := newFakeGateway()
		bs, _ := testBreakerSet(gw, 1, time.Minute)
		reg := NewRegistry(nil, bs)
		calls := new(int)
		reg.RegisterFunc(BlockHTTP, func(ctx context.Context, req Request) Result {
			*calls++
			return Fail(AsError(req.Node.ID, errors.New("connection refused")))
		})
		return reg, calls
	}
	ctx := context.Background()

	t.Run("disabled by default", func(t *testing.T) {
		reg, calls := newGuardedRegistry()
		req := Request{
			Node:   Node{ID: "n1", Type: BlockHTTP},
			Config: map[string]any{"url": "https://api.example.com"},
		}
		h := reg.Handler(BlockHTTP)
		for i := 0; i < 3; i++ {
			if res := h.Execute(ctx, req); res.Err == nil || res.Err.Kind != FailExecution {
				t.Fatalf("Expected plain failure, got %+v", res.Err)
			}
		}
		if *calls != 3 {
			t.Errorf("Expected every call dispatched without the opt-in, got %d", *calls)
		}
	})

	t.Run("string flag", func(t *testing.T) {
		reg, calls := newGuardedRegistry()
		req := Request{
			Node: Node{ID: "n1", Type: BlockHTTP},
			Config: map[string]any{
				"url":               "https://api.example.com",
				"useCircuitBreaker": "true",
			},
		}
		h := reg.Handler(BlockHTTP)
		h.Execute(ctx, req)
		res := h.Execute(ctx, req)
		if res.Err == nil || res.Err.Kind != FailCircuitOpen {
			t.Fatalf("Expected CIRCUIT_OPEN, got %+v", res.Err)
		}
		if *calls != 1 {
			t.Errorf("Expected one dispatched call, got %d", *calls)
		}
	})

	t.Run("falls back to node config", func(t *testing.T) {
		reg, calls := newGuardedRegistry()
		req := Request{
			Node: Node{
				ID:     "n1",
				Type:   BlockHTTP,
				Config: map[string]any{"useCircuitBreaker": true},
			},
		}
		h := reg.Handler(BlockHTTP)
		h.Execute(ctx, req)
		res := h.Execute(ctx, req)
		if res.Err == nil || res.Err.Kind != FailCircuitOpen {
			t.Fatalf("Expected CIRCUIT_OPEN, got %+v", res.Err)
		}
		if *calls != 1 {
			t.Errorf("Expected one dispatched call, got %d", *calls)
		}
	})
}

func TestRegistryBreakerGuardsChainTransactions(t *testing.T) {
	const key = "4c0883a69102937d6231471b5dbb6204fe512961708279f1d2b1e9a1c1e7c6f2"
	newChainRegistry := func() (*Registry, *int) {
		gw := newFakeGateway()
		bs, _ := testBreakerSet(gw, 1, time.Minute)
		reg := NewRegistry(nil, bs)
		calls := new(int)
		reg.RegisterFunc(BlockBlockchainTransaction, func(ctx context.Context, req Request) Result {
			*calls++
			return Fail(AsError(req.Node.ID, errors.New("network error")))
		})
		return reg, calls
	}
	ctx := context.Background()

	t.Run("guarded by default", func(t *testing.T) {
		reg, calls := newChainRegistry()
		req := Request{
			Node:   Node{ID: "n1", Type: BlockBlockchainTransaction},
			Config: map[string]any{"chain_id": float64(1), "private_key": key, "to": "0xabc", "value": "1"},
		}
		h := reg.Handler(BlockBlockchainTransaction)
		h.Execute(ctx, req) // opens
		res := h.Execute(ctx, req)
		if res.Err == nil || res.Err.Kind != FailCircuitOpen {
			t.Fatalf("Expected CIRCUIT_OPEN without an opt-in, got %+v", res.Err)
		}
		if *calls != 1 {
			t.Errorf("Expected handler bypassed while open, got %d calls", *calls)
		}
	})

	t.Run("scope separates chains", func(t *testing.T) {
		reg, _ := newChainRegistry()
		h := reg.Handler(BlockBlockchainTransaction)
		mainnet := Request{
			Node:   Node{ID: "n1", Type: BlockBlockchainTransaction},
			Config: map[string]any{"chain_id": float64(1), "private_key": key},
		}
		h.Execute(ctx, mainnet) // opens chain 1

		polygon := Request{
			Node:   Node{ID: "n2", Type: BlockBlockchainTransaction},
			Config: map[string]any{"chain_id": float64(137), "private_key": key},
		}
		if res := h.Execute(ctx, polygon); res.Err == nil || res.Err.Kind != FailExecution {
			t.Errorf("Expected another chain to stay closed, got %+v", res.Err)
		}
		if res := h.Execute(ctx, mainnet); res.Err == nil || res.Err.Kind != FailCircuitOpen {
			t.Errorf("Expected the same chain and key to share a circuit, got %+v", res.Err)
		}
	})

	t.Run("explicit opt-out", func(t *testing.T) {
		reg, calls := newChainRegistry()
		req := Request{
			Node:   Node{ID: "n1", Type: BlockBlockchainTransaction},
			Config: map[string]any{"chain_id": float64(1), "useCircuitBreaker": false},
		}
		h := reg.Handler(BlockBlockchainTransaction)
		for i := 0; i < 3; i++ {
			if res := h.Execute(ctx, req); res.Err == nil || res.Err.Kind != FailExecution {
				t.Fatalf("Expected plain failure with the breaker disabled, got %+v", res.Err)
			}
		}
		if *calls != 3 {
			t.Errorf("Expected every call dispatched, got %d", *calls)
		}
	})
}

func TestRegistryBreakerRecovers(t *testing.T) {
	gw := newFakeGateway()
	bs, clock := testBreakerSet(gw, 1, time.Minute)
	reg := NewRegistry(nil, bs)

	healthy := false
	reg.RegisterFunc(BlockHTTP, func(ctx context.Context, req Request) Result {
		if healthy {
			return OK(map[string]any{"status_code": float64(200)})
		}
		return Fail(AsError(req.Node.ID, errors.New("connection refused")))
	})

	req := Request{
		Node:   Node{ID: "n1", Type: BlockHTTP},
		Config: map[string]any{"useCircuitBreaker": true},
	}
	h := reg.Handler(BlockHTTP)
	ctx := context.Background()

	h.Execute(ctx, req) // opens
	healthy = true
	if res := h.Execute(ctx, req); res.Err == nil || res.Err.Kind != FailCircuitOpen {
		t.Fatalf("Expected CIRCUIT_OPEN during cooldown, got %+v", res.Err)
	}

	*clock = clock.Add(2 * time.Minute)
	if res := h.Execute(ctx, req); res.Err != nil {
		t.Fatalf("Expected probe to succeed after cooldown, got %+v", res.Err)
	}
	if st := bs.State(ctx, "default", string(BlockHTTP)); st.Phase != BreakerClosed {
		t.Errorf("Expected circuit closed after probe, got %s", st.Phase)
	}
}
