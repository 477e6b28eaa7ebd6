package blocks

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/relayforge/relay/engine"
)

// EmailHandler delivers mail through an injected Mailer.
type EmailHandler struct {
	Mailer Mailer
}

func (h *EmailHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	if h.Mailer == nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, "no mailer configured"))
	}

	msg := Email{
		From:    stringValue(req.Config, "from"),
		To:      stringValue(req.Config, "to"),
		Subject: stringValue(req.Config, "subject"),
		Body:    stringValue(req.Config, "body"),
	}
	if msg.To == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "to is required"))
	}

	id, err := h.Mailer.Send(ctx, msg)
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	return engine.OK(map[string]any{
		"sent":       true,
		"message_id": id,
	})
}

// NotificationHandler delivers to a channel through an injected
// Notifier.
type NotificationHandler struct {
	Notifier Notifier
}

func (h *NotificationHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	if h.Notifier == nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, "no notifier configured"))
	}

	channel := stringValue(req.Config, "channel")
	message := stringValue(req.Config, "message")
	if channel == "" || message == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "channel and message are required"))
	}

	if err := h.Notifier.Notify(ctx, channel, stringValue(req.Config, "title"), message); err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	return engine.OK(map[string]any{"delivered": true})
}

// DatabaseHandler runs SQL through an injected QueryRunner.
type DatabaseHandler struct {
	Runner QueryRunner
}

func (h *DatabaseHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	if h.Runner == nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, "no database configured"))
	}

	query := stringValue(req.Config, "query")
	if query == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "query is required"))
	}
	params, _ := req.Config["params"].([]any)

	switch op := stringValue(req.Config, "operation"); op {
	case "query":
		rows, err := h.Runner.Query(ctx, query, params...)
		if err != nil {
			return engine.Fail(engine.AsError(req.Node.ID, err))
		}
		anyRows := make([]any, len(rows))
		for i, row := range rows {
			anyRows[i] = row
		}
		return engine.OK(map[string]any{
			"row_count": float64(len(rows)),
			"rows":      anyRows,
		})
	case "execute":
		affected, err := h.Runner.Execute(ctx, query, params...)
		if err != nil {
			return engine.Fail(engine.AsError(req.Node.ID, err))
		}
		return engine.OK(map[string]any{"row_count": float64(affected)})
	default:
		return engine.Fail(engine.ConfigError(req.Node.ID, fmt.Sprintf("unknown database operation %q", op)))
	}
}

// WebhookHandler posts a payload through an injected WebhookPoster and
// fails on non-2xx so retries and circuit breaking apply to rejected
// deliveries.
type WebhookHandler struct {
	Poster WebhookPoster
}

func (h *WebhookHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	targetURL := stringValue(req.Config, "url")
	if targetURL == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "url is required"))
	}

	headers := map[string]string{}
	if raw, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	resp, err := h.Poster.Post(ctx, WebhookRequest{
		URL:     targetURL,
		Method:  strings.ToUpper(stringValue(req.Config, "method")),
		Payload: req.Config["payload"],
		Headers: headers,
	})
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engine.Fail(engine.AsError(req.Node.ID, deliveryError("webhook", resp)))
	}
	return engine.OK(map[string]any{
		"status_code": float64(resp.StatusCode),
		"response":    resp.Body,
	})
}

// DiscordHandler posts a message to a Discord-style webhook URL.
type DiscordHandler struct {
	Poster WebhookPoster
}

func (h *DiscordHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	webhookURL := stringValue(req.Config, "webhook_url")
	content := stringValue(req.Config, "content")
	if webhookURL == "" || content == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "webhook_url and content are required"))
	}

	payload := map[string]any{"content": content}
	if username := stringValue(req.Config, "username"); username != "" {
		payload["username"] = username
	}

	resp, err := h.Poster.Post(ctx, WebhookRequest{URL: webhookURL, Payload: payload})
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engine.Fail(engine.AsError(req.Node.ID, deliveryError("discord webhook", resp)))
	}
	return engine.OK(map[string]any{
		"delivered":   true,
		"status_code": float64(resp.StatusCode),
	})
}

// deliveryError includes the status text and a body excerpt so failure
// classification can recognize throttling and upstream outages.
func deliveryError(what string, resp WebhookResponse) error {
	body := resp.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Errorf("%s returned %d %s: %s", what, resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(body))
}
