package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Email is a message handed to a Mailer.
type Email struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer delivers email for the EMAIL block. Implementations return a
// provider message id when they have one.
type Mailer interface {
	Send(ctx context.Context, msg Email) (messageID string, err error)
}

// Notifier delivers to a named channel for the NOTIFICATION block.
type Notifier interface {
	Notify(ctx context.Context, channel, title, message string) error
}

// QueryRunner executes SQL for the DATABASE block. Query returns rows
// as column-keyed maps, Execute returns the affected row count.
type QueryRunner interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Execute(ctx context.Context, query string, args ...any) (int64, error)
}

// PriceSource quotes an asset price for the PRICE_MONITOR block.
type PriceSource interface {
	Price(ctx context.Context, asset, currency string) (float64, error)
}

// WebhookRequest is an outbound JSON POST-style delivery.
type WebhookRequest struct {
	URL     string
	Method  string
	Payload any
	Headers map[string]string
}

// WebhookResponse carries the upstream status and body back to the
// caller for classification.
type WebhookResponse struct {
	StatusCode int
	Body       string
}

// WebhookPoster delivers webhook payloads for the WEBHOOK and DISCORD
// blocks. The error covers transport failures only; HTTP-level
// rejection comes back in the response.
type WebhookPoster interface {
	Post(ctx context.Context, req WebhookRequest) (WebhookResponse, error)
}

// maxResponseBytes caps how much of an upstream body handlers read.
const maxResponseBytes = 10 << 20

// HTTPWebhookPoster posts JSON payloads with a plain HTTP client.
type HTTPWebhookPoster struct {
	client *http.Client
}

func NewHTTPWebhookPoster(client *http.Client) *HTTPWebhookPoster {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPWebhookPoster{client: client}
}

func (p *HTTPWebhookPoster) Post(ctx context.Context, req WebhookRequest) (WebhookResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if req.Payload != nil {
		encoded, err := json.Marshal(req.Payload)
		if err != nil {
			return WebhookResponse{}, fmt.Errorf("encode webhook payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return WebhookResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return WebhookResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return WebhookResponse{}, err
	}
	return WebhookResponse{StatusCode: resp.StatusCode, Body: string(data)}, nil
}

// HTTPPriceSource fetches quotes from a JSON price endpoint. The URL is
// a format string with two %s verbs for asset and currency, e.g.
// "https://feed.example.com/price?asset=%s&vs=%s". The response is
// accepted either flat as {"price": n} or nested as {asset: {currency:
// n}}.
type HTTPPriceSource struct {
	client *http.Client
	url    string
}

func NewHTTPPriceSource(client *http.Client, urlTemplate string) *HTTPPriceSource {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPPriceSource{client: client, url: urlTemplate}
}

func (s *HTTPPriceSource) Price(ctx context.Context, asset, currency string) (float64, error) {
	endpoint := fmt.Sprintf(s.url, url.QueryEscape(asset), url.QueryEscape(currency))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("price feed returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode price feed response: %w", err)
	}
	if price, ok := toFloat(body["price"]); ok {
		return price, nil
	}
	if nested, ok := body[asset].(map[string]any); ok {
		if price, ok := toFloat(nested[currency]); ok {
			return price, nil
		}
	}
	return 0, fmt.Errorf("price feed response has no price for %s/%s", asset, currency)
}
