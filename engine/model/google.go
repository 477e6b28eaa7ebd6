package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGoogleModel = "gemini-1.5-flash"

// Google implements ChatModel over the Gemini SDK. Close releases the
// underlying gRPC client.
type Google struct {
	client *genai.Client
	model  string
}

// NewGoogle creates a Gemini provider. An empty model selects
// gemini-1.5-flash.
func NewGoogle(ctx context.Context, apiKey, model string) (*Google, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key required")
	}
	if model == "" {
		model = defaultGoogleModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return &Google{client: client, model: model}, nil
}

func (p *Google) Name() string { return "google" }

// Close releases the client. Safe to call on a nil receiver.
func (p *Google) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Google) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	name := req.Model
	if name == "" {
		name = p.model
	}

	gm := p.client.GenerativeModel(name)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature > 0 {
		gm.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, fmt.Errorf("google: %w", err)
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	if text.Len() == 0 {
		return Response{}, errors.New("google: empty completion")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return Response{Text: text.String(), Model: name, TokensUsed: tokens}, nil
}
