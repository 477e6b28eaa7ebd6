package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-latest"
	defaultAnthropicMaxTokens = 1024
)

// Anthropic implements ChatModel over the official anthropic-sdk-go.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic provider. An empty model selects
// claude-3-5-sonnet-latest.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key required")
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client, model: model}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	name := req.Model
	if name == "" {
		name = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(name),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, errors.New("anthropic: empty completion")
	}
	return Response{
		Text:       text.String(),
		Model:      name,
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}
