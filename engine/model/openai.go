package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI implements ChatModel over the official openai-go SDK. The SDK
// retries transient errors internally; anything surfacing here is either
// permanent or has exhausted the SDK's budget.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI provider. An empty model selects
// gpt-4o-mini.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAI{client: &client, model: model}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	name := req.Model
	if name == "" {
		name = p.model
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(name),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, errors.New("openai: empty completion")
	}
	return Response{
		Text:       completion.Choices[0].Message.Content,
		Model:      name,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}
