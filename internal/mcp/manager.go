package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/janwilmake/mcp-completions/internal/stream"
)

// mcpHTTPTimeout bounds every individual MCP request. Tool calls can
// be slow, so the limit is generous.
const mcpHTTPTimeout = 2 * time.Minute

// Session tracks the live state of one MCP server connection.
type Session struct {
	ServerURL     string
	Authorization string

	mu          sync.Mutex
	id          string // Mcp-Session-Id as echoed by the server
	initialized bool
	tools       []Tool
	nextID      int64
}

// ID returns the server-assigned session id, if any.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Tools returns the tool list captured during initialization.
func (s *Session) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// Manager holds MCP sessions keyed by server URL. Sessions are created
// lazily on first use and dropped when the server reports them gone.
type Manager struct {
	clientInfo ClientInfo
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. A nil httpClient gets a
// default with a per-request timeout.
func NewManager(info ClientInfo, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: mcpHTTPTimeout}
	}
	return &Manager{
		clientInfo: info,
		httpClient: httpClient,
		sessions:   make(map[string]*Session),
	}
}

// Ensure returns a live, initialized session for the server,
// performing the handshake when needed. At most one initialization per
// server runs at a time.
func (m *Manager) Ensure(ctx context.Context, serverURL, authorization string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[serverURL]
	if !ok {
		sess = &Session{ServerURL: serverURL, Authorization: authorization}
		m.sessions[serverURL] = sess
	}
	m.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.initialized {
		return sess, nil
	}
	if err := m.initializeLocked(ctx, sess); err != nil {
		m.Invalidate(serverURL)
		return nil, err
	}
	sess.initialized = true
	return sess, nil
}

// Invalidate drops the cached session for a server. The next Ensure
// re-runs the handshake.
func (m *Manager) Invalidate(serverURL string) {
	m.mu.Lock()
	delete(m.sessions, serverURL)
	m.mu.Unlock()
}

// initializeLocked performs the 3-step MCP handshake: initialize,
// notifications/initialized, tools/list. Caller holds sess.mu.
func (m *Manager) initializeLocked(ctx context.Context, sess *Session) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		ClientInfo: m.clientInfo,
	}

	resp, httpResp, err := m.rpcLocked(ctx, sess, "initialize", params, true)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", sess.ServerURL, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize %s: rpc error %d: %s", sess.ServerURL, resp.Error.Code, resp.Error.Message)
	}
	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		sess.id = sid
	}

	// Notification carries no id and expects no response body.
	if err := m.notifyLocked(ctx, sess, "notifications/initialized"); err != nil {
		slog.Warn("mcp initialized notification failed", "server", sess.ServerURL, "error", err)
	}

	listResp, _, err := m.rpcLocked(ctx, sess, "tools/list", map[string]any{}, true)
	if err != nil {
		return fmt.Errorf("tools/list %s: %w", sess.ServerURL, err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("tools/list %s: rpc error %d: %s", sess.ServerURL, listResp.Error.Code, listResp.Error.Message)
	}
	var listed listToolsResult
	if err := json.Unmarshal(listResp.Result, &listed); err != nil {
		return fmt.Errorf("tools/list %s: decode result: %w", sess.ServerURL, err)
	}
	sess.tools = listed.Tools

	slog.Info("mcp.initialize", "server", sess.ServerURL, "session_id", sess.id, "tools", len(sess.tools))
	return nil
}

// CallTool invokes tools/call on the server's live session. A 404 on a
// known session drops the cache and returns ErrSessionExpired; 401
// surfaces as an AuthError naming the host.
func (m *Manager) CallTool(ctx context.Context, serverURL, authorization, name string, args any) (*CallToolResult, error) {
	sess, err := m.Ensure(ctx, serverURL, authorization)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	resp, _, err := m.rpcLocked(ctx, sess, "tools/call", callToolParams{Name: name, Arguments: args}, false)
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) {
			switch {
			case callErr.Status == http.StatusNotFound && sess.id != "":
				m.Invalidate(serverURL)
				return nil, ErrSessionExpired
			case callErr.Status == http.StatusUnauthorized:
				return nil, &AuthError{Host: Hostname(serverURL)}
			}
		}
		return nil, err
	}

	raw, merr := json.Marshal(resp)
	if merr != nil {
		raw = nil
	}
	out := &CallToolResult{Raw: raw}
	if resp.Error != nil {
		return out, fmt.Errorf("tools/call %s: rpc error %d: %s", name, resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result) > 0 {
		var result map[string]any
		if err := json.Unmarshal(resp.Result, &result); err == nil {
			out.Result = result
		}
	}
	return out, nil
}

// rpcLocked posts a JSON-RPC request and parses the response, which
// may arrive as application/json or text/event-stream. Caller holds
// sess.mu. hardFail controls whether every non-2xx becomes a plain
// error (handshake) instead of a typed CallError (tool calls).
func (m *Manager) rpcLocked(ctx context.Context, sess *Session, method string, params any, hardFail bool) (*RPCResponse, *http.Response, error) {
	sess.nextID++
	id := sess.nextID
	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}

	httpResp, body, err := m.postLocked(ctx, sess, req)
	if err != nil {
		return nil, nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		if hardFail {
			return nil, nil, fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, nil, &CallError{Status: httpResp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	resp, err := ParseRPCResponse(httpResp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, nil, err
	}
	return resp, httpResp, nil
}

// notifyLocked posts a JSON-RPC notification (no id, response ignored).
func (m *Manager) notifyLocked(ctx context.Context, sess *Session, method string) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method}
	httpResp, body, err := m.postLocked(ctx, sess, req)
	if err != nil {
		return err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// postLocked sends one HTTP POST with the session's live headers and
// drains the response body.
func (m *Manager) postLocked(ctx context.Context, sess *Session, payload any) (*http.Response, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sess.ServerURL, bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json,text/event-stream")
	httpReq.Header.Set("MCP-Protocol-Version", ProtocolVersion)
	if sess.Authorization != "" {
		httpReq.Header.Set("Authorization", sess.Authorization)
	}
	if sess.id != "" {
		httpReq.Header.Set("Mcp-Session-Id", sess.id)
	}

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, err
	}
	return httpResp, body, nil
}

// ParseRPCResponse decodes a JSON-RPC response body that arrived either
// as application/json or as an SSE event stream. For the stream form,
// the first data payload whose jsonrpc member equals "2.0" wins.
func ParseRPCResponse(contentType string, body []byte) (*RPCResponse, error) {
	mediaType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = mt
	}

	if strings.EqualFold(mediaType, "text/event-stream") {
		reader := stream.NewReader(bytes.NewReader(body))
		for {
			raw, err := reader.Next()
			if err != nil {
				return nil, fmt.Errorf("no JSON-RPC payload in event stream")
			}
			var resp RPCResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			if resp.JSONRPC == "2.0" {
				return &resp, nil
			}
		}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	var resp RPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode JSON-RPC response: %w", err)
	}
	return &resp, nil
}

// Hostname extracts the host portion of a server URL, without port.
func Hostname(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Hostname() == "" {
		return serverURL
	}
	return u.Hostname()
}
