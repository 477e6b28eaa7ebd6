// Package blocks implements the built-in block handlers.
//
// Handlers receive materialized configuration and merged parent inputs
// through engine.Request and report classified failures through
// engine.Result. Side-effecting blocks delegate to narrow outbound
// interfaces so embedders control delivery; blocks whose dependency is
// absent fail with CONFIG instead of silently doing nothing.
package blocks

import (
	"net/http"
	"strconv"
	"time"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/model"
	"github.com/relayforge/relay/engine/sandbox"
)

// Deps carries the outbound dependencies the handlers use. Zero fields
// fall back to defaults where a safe one exists: an HTTP client, an
// HTTP-backed webhook poster, the real chain dialer, the mock model
// provider and a fresh sandbox. Mailer, Notifier, Database and Prices
// have no safe default and stay nil unless supplied.
type Deps struct {
	HTTPClient *http.Client
	Mailer     Mailer
	Notifier   Notifier
	Webhooks   WebhookPoster
	Database   QueryRunner
	Prices     PriceSource
	Chains     ChainDialer
	Models     *model.Providers
	Sandbox    *sandbox.Sandbox

	// Now is the clock used by trigger-style blocks. Defaults to
	// time.Now.
	Now func() time.Time
}

// NewRegistry builds an engine registry with every built-in block type
// registered. UNKNOWN stays unregistered so the registry's fallback
// reports it as a configuration failure.
func NewRegistry(deps Deps, metrics *engine.Metrics, breakers *engine.BreakerSet) *engine.Registry {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Webhooks == nil {
		deps.Webhooks = NewHTTPWebhookPoster(deps.HTTPClient)
	}
	if deps.Chains == nil {
		deps.Chains = DialChain
	}
	if deps.Models == nil {
		deps.Models = model.NewProviders(model.NewMock())
	}
	if deps.Sandbox == nil {
		deps.Sandbox = sandbox.New(0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	reg := engine.NewRegistry(metrics, breakers)
	reg.Register(engine.BlockHTTP, NewHTTPHandler(deps.HTTPClient))
	reg.Register(engine.BlockEmail, &EmailHandler{Mailer: deps.Mailer})
	reg.Register(engine.BlockDatabase, &DatabaseHandler{Runner: deps.Database})
	reg.Register(engine.BlockWebhook, &WebhookHandler{Poster: deps.Webhooks})
	reg.Register(engine.BlockNotification, &NotificationHandler{Notifier: deps.Notifier})
	reg.Register(engine.BlockDiscord, &DiscordHandler{Poster: deps.Webhooks})
	reg.Register(engine.BlockSchedule, &ScheduleHandler{Now: deps.Now})
	reg.Register(engine.BlockDelay, &DelayHandler{})
	reg.Register(engine.BlockCondition, &ConditionHandler{Sandbox: deps.Sandbox})
	reg.Register(engine.BlockTransform, &TransformHandler{})
	reg.Register(engine.BlockLLMPrompt, &LLMHandler{Providers: deps.Models})
	reg.Register(engine.BlockPriceMonitor, &PriceHandler{Source: deps.Prices, Client: deps.HTTPClient})
	reg.Register(engine.BlockBlockchainRead, &BlockchainReadHandler{Dial: deps.Chains})
	reg.Register(engine.BlockBlockchainTransaction, &BlockchainTransactionHandler{Dial: deps.Chains})
	reg.Register(engine.BlockCalculator, &CalculatorHandler{})
	reg.Register(engine.BlockCustom, &CustomHandler{Sandbox: deps.Sandbox})
	return reg
}

// stringValue reads a string config field, empty when absent or not a
// string.
func stringValue(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

// boolValue reads a boolean config field tolerating the string forms
// "true" and "false".
func boolValue(cfg map[string]any, key string) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// numberValue reads a numeric config field. Strings are parsed so
// templated values like "{{qty}}" resolve usefully whatever the source
// type was.
func numberValue(cfg map[string]any, key string) (float64, bool) {
	return toFloat(cfg[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// stringList converts an []any config field to strings, skipping
// non-string members.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
