package blocks

import (
	"context"
	"net/http"

	"github.com/relayforge/relay/engine"
)

// PriceHandler quotes an asset and compares it against a threshold. A
// per-node "source" URL template overrides the injected source, so one
// workflow can mix feeds.
type PriceHandler struct {
	Source PriceSource
	Client *http.Client
}

func (h *PriceHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	asset := stringValue(req.Config, "asset")
	if asset == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "asset is required"))
	}
	currency := stringValue(req.Config, "currency")
	if currency == "" {
		currency = "usd"
	}

	source := h.Source
	if override := stringValue(req.Config, "source"); override != "" {
		source = NewHTTPPriceSource(h.Client, override)
	}
	if source == nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, "no price source configured"))
	}

	price, err := source.Price(ctx, asset, currency)
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}

	triggered := false
	if threshold, ok := numberValue(req.Config, "threshold"); ok {
		switch direction := stringValue(req.Config, "direction"); direction {
		case "below":
			triggered = price <= threshold
		case "above", "":
			triggered = price >= threshold
		default:
			return engine.Fail(engine.ConfigError(req.Node.ID, "direction must be above or below"))
		}
	}

	return engine.OK(map[string]any{
		"price":     price,
		"triggered": triggered,
		"asset":     asset,
	})
}
