// Package model adapts LLM chat providers behind one narrow interface.
//
// LLM_PROMPT blocks pick a provider by name at execution time. Providers
// translate the generic completion request into their SDK's call shape and
// fold the response back to plain text plus token usage. All providers
// respect context cancellation; transient failures surface with the
// provider's error text so the engine's retry classifier can match them.
package model

import (
	"context"
	"fmt"
	"os"
	"sort"
)

// Request is one completion request.
type Request struct {
	// Prompt is the user message. Required.
	Prompt string

	// System is an optional system instruction.
	System string

	// Model overrides the provider's default model name.
	Model string

	// Temperature adjusts sampling when positive; zero keeps the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length when positive.
	MaxTokens int
}

// Response is the provider's completion.
type Response struct {
	// Text is the generated completion.
	Text string

	// Model is the model name that produced the text.
	Model string

	// TokensUsed counts prompt plus completion tokens as reported by the
	// provider, zero when unreported.
	TokensUsed int
}

// ChatModel is one LLM provider.
type ChatModel interface {
	// Name identifies the provider ("openai", "anthropic", "google",
	// "mock").
	Name() string

	// Complete sends the request and returns the completion. Errors keep
	// the provider's text (rate limits, timeouts) for classification.
	Complete(ctx context.Context, req Request) (Response, error)
}

// Providers selects a ChatModel by name.
type Providers struct {
	models map[string]ChatModel
}

// NewProviders builds a selector over the given models, keyed by Name().
func NewProviders(models ...ChatModel) *Providers {
	p := &Providers{models: make(map[string]ChatModel, len(models))}
	for _, m := range models {
		if m != nil {
			p.models[m.Name()] = m
		}
	}
	return p
}

// Get returns the provider registered under name.
func (p *Providers) Get(name string) (ChatModel, error) {
	if m, ok := p.models[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("unknown provider %q (available: %v)", name, p.Names())
}

// Names lists the registered provider names in ascending order.
func (p *Providers) Names() []string {
	names := make([]string, 0, len(p.models))
	for name := range p.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromEnv builds a Providers set from API keys in the environment:
// OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY. Providers without a
// key are skipped. The mock provider is always registered so workflows can
// run without any keys.
func FromEnv(ctx context.Context) (*Providers, error) {
	models := []ChatModel{NewMock()}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		m, err := NewOpenAI(key, os.Getenv("OPENAI_MODEL"))
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		m, err := NewAnthropic(key, os.Getenv("ANTHROPIC_MODEL"))
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		m, err := NewGoogle(ctx, key, os.Getenv("GOOGLE_MODEL"))
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return NewProviders(models...), nil
}
