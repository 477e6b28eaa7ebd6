package blocks

import (
	"context"

	"github.com/relayforge/relay/engine"
	"github.com/relayforge/relay/engine/model"
)

// LLMHandler sends a prompt to a registered chat model. The provider
// defaults to mock so keyless deployments stay runnable.
type LLMHandler struct {
	Providers *model.Providers
}

func (h *LLMHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	prompt := stringValue(req.Config, "prompt")
	if prompt == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "prompt is required"))
	}

	providerName := stringValue(req.Config, "provider")
	if providerName == "" {
		providerName = "mock"
	}
	chat, err := h.Providers.Get(providerName)
	if err != nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, err.Error()))
	}

	mreq := model.Request{
		Prompt: prompt,
		System: stringValue(req.Config, "system"),
		Model:  stringValue(req.Config, "model"),
	}
	if temp, ok := numberValue(req.Config, "temperature"); ok {
		mreq.Temperature = temp
	}
	if maxTokens, ok := numberValue(req.Config, "maxTokens"); ok && maxTokens > 0 {
		mreq.MaxTokens = int(maxTokens)
	}

	resp, err := chat.Complete(ctx, mreq)
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	return engine.OK(map[string]any{
		"text":        resp.Text,
		"model":       resp.Model,
		"tokens_used": float64(resp.TokensUsed),
	})
}
