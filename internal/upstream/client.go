package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// upstreamHTTPTimeout is the maximum time allowed for one upstream SSE
// request. Streams can be long-lived, so the limit is generous.
const upstreamHTTPTimeout = 10 * time.Minute

// hopHeaders are never forwarded to the upstream endpoint.
var hopHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Accept-Encoding":   {},
}

// Error is a non-2xx upstream response. The whole stream is aborted
// when one occurs.
type Error struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s returned status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Client posts chat-completion rounds to an OpenAI-compatible endpoint
// and hands back the streaming response body.
type Client struct {
	URL        string
	Verbose    bool
	httpClient *http.Client
}

// NewClient creates an upstream client for the given chat-completions
// URL. A nil httpClient gets a default with a streaming-friendly
// timeout.
func NewClient(url string, verbose bool, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: upstreamHTTPTimeout}
	}
	return &Client{URL: url, Verbose: verbose, httpClient: httpClient}
}

// Stream sends one round's body upstream with the caller's headers
// forwarded verbatim and returns the SSE response body. Non-2xx drains
// the body and returns an *Error.
func (c *Client) Stream(ctx context.Context, body map[string]any, callerHeaders http.Header) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	copyCallerHeaders(httpReq.Header, callerHeaders)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if c.Verbose {
		model, _ := body["model"].(string)
		messages, _ := body["messages"].([]any)
		tools, _ := body["tools"].([]any)
		slog.Info("upstream.request",
			"endpoint", c.URL,
			"model", model,
			"messages", messageCount(body, messages),
			"tools", len(tools),
		)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if c.Verbose {
		slog.Info("upstream.response", "status", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{
			Endpoint: c.URL,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(errBody)),
		}
	}
	return resp.Body, nil
}

func copyCallerHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// messageCount handles bodies whose messages slice survived as a typed
// slice rather than []any after cloning.
func messageCount(body map[string]any, decoded []any) int {
	if decoded != nil {
		return len(decoded)
	}
	raw, ok := body["messages"]
	if !ok {
		return 0
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return 0
	}
	var out []json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return 0
	}
	return len(out)
}
