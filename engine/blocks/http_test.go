package blocks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/relay/engine"
)

func TestHTTPHandlerGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("Expected X-Api-Key header, got %q", got)
		}
		w.Header().Set("X-Request-Id", "abc123")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client())
	req := testRequest("fetch", engine.BlockHTTP, map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Api-Key": "secret"},
	}, nil)

	res := h.Execute(context.Background(), req)
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if got := res.Output["status_code"]; got != float64(http.StatusTeapot) {
		t.Errorf("Expected status_code 418, got %v", got)
	}
	if got := res.Output["body"]; got != "short and stout" {
		t.Errorf("Expected body to round-trip, got %v", got)
	}
	headers, ok := res.Output["headers"].(map[string]any)
	if !ok {
		t.Fatalf("Expected headers map, got %T", res.Output["headers"])
	}
	if headers["X-Request-Id"] != "abc123" {
		t.Errorf("Expected X-Request-Id header in output, got %v", headers["X-Request-Id"])
	}
	if _, ok := res.Output["json"]; ok {
		t.Error("Expected no json output for a text response")
	}
}

func TestHTTPHandlerParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"count":3}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client())
	res := h.Execute(context.Background(), testRequest("fetch", engine.BlockHTTP, map[string]any{"url": srv.URL}, nil))
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}

	parsed, ok := res.Output["json"].(map[string]any)
	if !ok {
		t.Fatalf("Expected parsed json output, got %T", res.Output["json"])
	}
	if parsed["ok"] != true || parsed["count"] != float64(3) {
		t.Errorf("Expected decoded object, got %v", parsed)
	}
}

func TestHTTPHandlerPostsJSONBody(t *testing.T) {
	var received map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &received)
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client())
	res := h.Execute(context.Background(), testRequest("push", engine.BlockHTTP, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"event": "fired"},
	}, nil))
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if contentType != "application/json" {
		t.Errorf("Expected application/json content type, got %q", contentType)
	}
	if received["event"] != "fired" {
		t.Errorf("Expected body to arrive encoded, got %v", received)
	}
}

func TestHTTPHandlerRequiresURL(t *testing.T) {
	h := NewHTTPHandler(nil)
	res := h.Execute(context.Background(), testRequest("fetch", engine.BlockHTTP, map[string]any{}, nil))
	if res.Err == nil {
		t.Fatal("Expected a failure without url")
	}
	if res.Err.Kind != engine.FailConfig {
		t.Errorf("Expected CONFIG failure, got %s", res.Err.Kind)
	}
}

func TestHTTPHandlerConnectionErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	h := NewHTTPHandler(nil)
	res := h.Execute(context.Background(), testRequest("fetch", engine.BlockHTTP, map[string]any{"url": srv.URL}, nil))
	if res.Err == nil {
		t.Fatal("Expected a failure against a closed server")
	}
	if res.Err.Kind != engine.FailExecution {
		t.Errorf("Expected EXECUTION failure, got %s", res.Err.Kind)
	}
	if !res.Err.CanRetry() {
		t.Errorf("Expected connection error to be retryable, got %v", res.Err)
	}
}

func TestHTTPHandlerTimeoutSeconds(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewHTTPHandler(srv.Client())
	start := time.Now()
	res := h.Execute(context.Background(), testRequest("fetch", engine.BlockHTTP, map[string]any{
		"url":            srv.URL,
		"timeoutSeconds": 0.05,
	}, nil))
	if res.Err == nil {
		t.Fatal("Expected a timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected the request to give up quickly, took %s", elapsed)
	}
	if !strings.Contains(strings.ToLower(res.Err.Message), "deadline") &&
		!strings.Contains(strings.ToLower(res.Err.Message), "timeout") {
		t.Errorf("Expected a deadline error, got %q", res.Err.Message)
	}
}
