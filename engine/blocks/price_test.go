package blocks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relayforge/relay/engine"
)

type fakePriceSource struct {
	price float64
	err   error

	gotAsset    string
	gotCurrency string
}

func (s *fakePriceSource) Price(ctx context.Context, asset, currency string) (float64, error) {
	s.gotAsset, s.gotCurrency = asset, currency
	return s.price, s.err
}

func TestPriceHandlerThresholds(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		cfg       map[string]any
		triggered bool
	}{
		{
			name:      "above direction triggers at threshold",
			price:     70000,
			cfg:       map[string]any{"asset": "bitcoin", "threshold": float64(70000), "direction": "above"},
			triggered: true,
		},
		{
			name:      "above direction quiet below threshold",
			price:     69999,
			cfg:       map[string]any{"asset": "bitcoin", "threshold": float64(70000), "direction": "above"},
			triggered: false,
		},
		{
			name:      "below direction triggers under threshold",
			price:     1500,
			cfg:       map[string]any{"asset": "ethereum", "threshold": float64(2000), "direction": "below"},
			triggered: true,
		},
		{
			name:      "direction defaults to above",
			price:     3000,
			cfg:       map[string]any{"asset": "ethereum", "threshold": float64(2000)},
			triggered: true,
		},
		{
			name:      "no threshold never triggers",
			price:     3000,
			cfg:       map[string]any{"asset": "ethereum"},
			triggered: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakePriceSource{price: tt.price}
			h := &PriceHandler{Source: source}

			res := h.Execute(context.Background(), testRequest("watch", engine.BlockPriceMonitor, tt.cfg, nil))
			if res.Err != nil {
				t.Fatalf("Expected success, got %v", res.Err)
			}
			if res.Output["price"] != tt.price {
				t.Errorf("Expected price %v, got %v", tt.price, res.Output["price"])
			}
			if res.Output["triggered"] != tt.triggered {
				t.Errorf("Expected triggered %v, got %v", tt.triggered, res.Output["triggered"])
			}
			if res.Output["asset"] != tt.cfg["asset"] {
				t.Errorf("Expected asset echo, got %v", res.Output["asset"])
			}
		})
	}
}

func TestPriceHandlerCurrencyDefault(t *testing.T) {
	source := &fakePriceSource{price: 10}
	h := &PriceHandler{Source: source}

	res := h.Execute(context.Background(), testRequest("watch", engine.BlockPriceMonitor, map[string]any{
		"asset": "bitcoin",
	}, nil))
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if source.gotCurrency != "usd" {
		t.Errorf("Expected usd default, got %q", source.gotCurrency)
	}
	if source.gotAsset != "bitcoin" {
		t.Errorf("Expected asset to pass through, got %q", source.gotAsset)
	}
}

func TestPriceHandlerSourceOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("asset"); got != "bitcoin" {
			t.Errorf("Expected asset query param, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 70123.5}`))
	}))
	defer srv.Close()

	h := &PriceHandler{Source: &fakePriceSource{price: 1}, Client: srv.Client()}
	res := h.Execute(context.Background(), testRequest("watch", engine.BlockPriceMonitor, map[string]any{
		"asset":  "bitcoin",
		"source": srv.URL + "?asset=%s&vs=%s",
	}, nil))
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Output["price"] != 70123.5 {
		t.Errorf("Expected the override feed price, got %v", res.Output["price"])
	}
}

func TestPriceHandlerFailures(t *testing.T) {
	t.Run("no source", func(t *testing.T) {
		h := &PriceHandler{}
		res := h.Execute(context.Background(), testRequest("watch", engine.BlockPriceMonitor, map[string]any{
			"asset": "bitcoin",
		}, nil))
		if res.Err == nil || res.Err.Kind != engine.FailConfig {
			t.Fatalf("Expected CONFIG failure without a source, got %v", res.Err)
		}
	})

	t.Run("missing asset", func(t *testing.T) {
		h := &PriceHandler{Source: &fakePriceSource{}}
		res := h.Execute(context.Background(), testRequest("watch", engine.BlockPriceMonitor, nil, nil))
		if res.Err == nil || res.Err.Kind != engine.FailConfig {
			t.Fatalf("Expected CONFIG failure, got %v", res.Err)
		}
	})

	t.Run("bad direction", func(t *testing.T) {
		h := &PriceHandler{Source: &fakePriceSource{price: 1}}
		res := h.Execute(context.Background(), testRequest("watch", engine.BlockPriceMonitor, map[string]any{
			"asset": "bitcoin", "threshold": float64(1), "direction": "sideways",
		}, nil))
		if res.Err == nil || res.Err.Kind != engine.FailConfig {
			t.Fatalf("Expected CONFIG failure, got %v", res.Err)
		}
	})

	t.Run("feed error classifies", func(t *testing.T) {
		h := &PriceHandler{Source: &fakePriceSource{err: errors.New("feed returned 429 Too Many Requests")}}
		res := h.Execute(context.Background(), testRequest("watch", engine.BlockPriceMonitor, map[string]any{
			"asset": "bitcoin",
		}, nil))
		if res.Err == nil || res.Err.Kind != engine.FailExecution {
			t.Fatalf("Expected EXECUTION failure, got %v", res.Err)
		}
		if !res.Err.CanRetry() {
			t.Error("Expected throttling to be retryable")
		}
	})
}

func TestHTTPPriceSourceNestedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin": {"usd": 69500.25}}`))
	}))
	defer srv.Close()

	source := NewHTTPPriceSource(srv.Client(), srv.URL+"?asset=%s&vs=%s")
	price, err := source.Price(context.Background(), "bitcoin", "usd")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if price != 69500.25 {
		t.Errorf("Expected 69500.25, got %v", price)
	}
}

func TestHTTPPriceSourceErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		source := NewHTTPPriceSource(srv.Client(), srv.URL+"?asset=%s&vs=%s")
		if _, err := source.Price(context.Background(), "bitcoin", "usd"); err == nil {
			t.Fatal("Expected an error for a 502 response")
		}
	})

	t.Run("missing price field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status": "ok"}`))
		}))
		defer srv.Close()

		source := NewHTTPPriceSource(srv.Client(), srv.URL+"?asset=%s&vs=%s")
		if _, err := source.Price(context.Background(), "bitcoin", "usd"); err == nil {
			t.Fatal("Expected an error when the response has no price")
		}
	})
}
