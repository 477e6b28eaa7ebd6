package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayforge/relay/engine"
)

// HTTPHandler performs an HTTP request and exposes the response as
// block outputs. Non-2xx statuses are data, not failures; workflows
// branch on status_code with a CONDITION block when they care.
type HTTPHandler struct {
	client *http.Client
}

func NewHTTPHandler(client *http.Client) *HTTPHandler {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPHandler{client: client}
}

func (h *HTTPHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	cfg := req.Config

	targetURL := stringValue(cfg, "url")
	if targetURL == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "url is required"))
	}
	method := strings.ToUpper(stringValue(cfg, "method"))
	if method == "" {
		method = http.MethodGet
	}

	if secs, ok := numberValue(cfg, "timeoutSeconds"); ok && secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
	}

	var body io.Reader
	var contentType string
	switch b := cfg["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return engine.Fail(engine.ConfigError(req.Node.ID, "body is not serializable: "+err.Error()))
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, err.Error()))
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}

	out := map[string]any{
		"status_code": float64(resp.StatusCode),
		"body":        string(respBody),
		"headers":     flattenHeaders(resp.Header),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if json.Unmarshal(respBody, &parsed) == nil {
			out["json"] = parsed
		}
	}
	return engine.OK(out)
}

// flattenHeaders keeps the first value of each header, which is what
// downstream templates index by name.
func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
