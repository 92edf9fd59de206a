package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	method    string
	headers   http.Header
	hasID     bool
	paramName string
}

// handshakeServer implements the MCP wire surface for tests.
type handshakeServer struct {
	srv       *httptest.Server
	sessionID string
	tools     []Tool
	callFn    func(name string) (int, any)
	sseResult bool

	mu       sync.Mutex
	requests []recordedRequest
}

func newHandshakeServer(t *testing.T, sessionID string) *handshakeServer {
	t.Helper()
	h := &handshakeServer{sessionID: sessionID, tools: []Tool{{Name: "search", Description: "find things"}}}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.requests = append(h.requests, recordedRequest{
			method:    req.Method,
			headers:   r.Header.Clone(),
			hasID:     req.ID != nil,
			paramName: req.Params.Name,
		})
		h.mu.Unlock()

		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		switch req.Method {
		case "initialize":
			if h.sessionID != "" {
				w.Header().Set("Mcp-Session-Id", h.sessionID)
			}
			h.writeResult(w, *req.ID, map[string]any{"protocolVersion": ProtocolVersion})
		case "tools/list":
			h.writeResult(w, *req.ID, map[string]any{"tools": h.tools})
		case "tools/call":
			status, result := http.StatusOK, any(map[string]any{"content": []any{}})
			if h.callFn != nil {
				status, result = h.callFn(req.Params.Name)
			}
			if status != http.StatusOK {
				http.Error(w, "call failed body", status)
				return
			}
			h.writeResult(w, *req.ID, result)
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *handshakeServer) writeResult(w http.ResponseWriter, id int64, result any) {
	payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	if h.sseResult {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(": keepalive\n\ndata: " + string(payload) + "\n\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (h *handshakeServer) recorded() []recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedRequest(nil), h.requests...)
}

func newManager() *Manager {
	return NewManager(ClientInfo{Name: "MCPCompletions", Version: "1.0.0"}, nil)
}

func TestEnsureRunsHandshake(t *testing.T) {
	h := newHandshakeServer(t, "sess-42")
	m := newManager()

	sess, err := m.Ensure(context.Background(), h.srv.URL, "Bearer tok")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if sess.ID() != "sess-42" {
		t.Fatalf("session id: %q", sess.ID())
	}
	tools := sess.Tools()
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("tools: %+v", tools)
	}

	reqs := h.recorded()
	if len(reqs) != 3 {
		t.Fatalf("handshake request count: %d", len(reqs))
	}
	wantMethods := []string{"initialize", "notifications/initialized", "tools/list"}
	for i, want := range wantMethods {
		if reqs[i].method != want {
			t.Fatalf("request %d: %q, want %q", i, reqs[i].method, want)
		}
	}
	// The notification carries no id.
	if reqs[1].hasID {
		t.Fatal("notification must not carry an id")
	}
	for i, req := range reqs {
		if got := req.headers.Get("MCP-Protocol-Version"); got != ProtocolVersion {
			t.Fatalf("request %d protocol version: %q", i, got)
		}
		if got := req.headers.Get("Accept"); got != "application/json,text/event-stream" {
			t.Fatalf("request %d accept: %q", i, got)
		}
		if got := req.headers.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("request %d authorization: %q", i, got)
		}
	}
	// The session id captured from initialize rides every later request.
	for i, req := range reqs[1:] {
		if got := req.headers.Get("Mcp-Session-Id"); got != "sess-42" {
			t.Fatalf("request %d session header: %q", i+1, got)
		}
	}

	// A second Ensure reuses the initialized session.
	if _, err := m.Ensure(context.Background(), h.srv.URL, "Bearer tok"); err != nil {
		t.Fatalf("re-Ensure: %v", err)
	}
	if got := len(h.recorded()); got != 3 {
		t.Fatalf("unexpected re-handshake: %d requests", got)
	}
}

func TestEnsureWithoutSessionID(t *testing.T) {
	h := newHandshakeServer(t, "")
	m := newManager()

	sess, err := m.Ensure(context.Background(), h.srv.URL, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if sess.ID() != "" {
		t.Fatalf("session id should be absent: %q", sess.ID())
	}
	for _, req := range h.recorded() {
		if req.headers.Get("Mcp-Session-Id") != "" {
			t.Fatal("session header sent despite no server session")
		}
	}
}

func TestCallToolSSEResponse(t *testing.T) {
	h := newHandshakeServer(t, "s")
	h.sseResult = true
	h.callFn = func(name string) (int, any) {
		return http.StatusOK, map[string]any{"content": []any{map[string]any{"type": "text", "text": "found"}}}
	}
	m := newManager()

	result, err := m.CallTool(context.Background(), h.srv.URL, "", "search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	blocks, ok := result.Content()
	if !ok || len(blocks) != 1 {
		t.Fatalf("content blocks: %v", blocks)
	}
}

func TestCallTool404DropsSession(t *testing.T) {
	h := newHandshakeServer(t, "sess-x")
	h.callFn = func(name string) (int, any) { return http.StatusNotFound, nil }
	m := newManager()

	_, err := m.CallTool(context.Background(), h.srv.URL, "", "search", nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	// The session was dropped: the next call re-runs the handshake.
	h.callFn = nil
	if _, err := m.CallTool(context.Background(), h.srv.URL, "", "search", nil); err != nil {
		t.Fatalf("retry after expiry: %v", err)
	}
	var inits int
	for _, req := range h.recorded() {
		if req.method == "initialize" {
			inits++
		}
	}
	if inits != 2 {
		t.Fatalf("initialize count after expiry: %d", inits)
	}
}

func TestCallTool401AuthError(t *testing.T) {
	h := newHandshakeServer(t, "s")
	h.callFn = func(name string) (int, any) { return http.StatusUnauthorized, nil }
	m := newManager()

	_, err := m.CallTool(context.Background(), h.srv.URL, "", "search", nil)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Host != Hostname(h.srv.URL) {
		t.Fatalf("auth error host: %q", authErr.Host)
	}
	if !strings.Contains(err.Error(), authErr.Host) {
		t.Fatalf("error does not name the host: %v", err)
	}
}

func TestCallToolOtherStatusSurfacesBody(t *testing.T) {
	h := newHandshakeServer(t, "s")
	h.callFn = func(name string) (int, any) { return http.StatusTeapot, nil }
	m := newManager()

	_, err := m.CallTool(context.Background(), h.srv.URL, "", "search", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if callErr.Status != http.StatusTeapot || !strings.Contains(callErr.Body, "call failed body") {
		t.Fatalf("call error: %+v", callErr)
	}
}

func TestInitializeFailureIsHard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	m := newManager()

	if _, err := m.Ensure(context.Background(), srv.URL, ""); err == nil {
		t.Fatal("expected handshake failure")
	}
}

func TestParseRPCResponse(t *testing.T) {
	// JSON form.
	resp, err := ParseRPCResponse("application/json", []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	if err != nil || resp.JSONRPC != "2.0" {
		t.Fatalf("json form: %v %+v", err, resp)
	}

	// Empty JSON body is rejected.
	if _, err := ParseRPCResponse("application/json", []byte("  ")); err == nil {
		t.Fatal("expected error for empty body")
	}

	// SSE form: comments and non-RPC payloads are skipped.
	sse := ": ping\n\ndata: {\"unrelated\":true}\n\ndata: {\"jsonrpc\":\"2.0\",\"id\":2,\"result\":{\"ok\":true}}\n\n"
	resp, err = ParseRPCResponse("text/event-stream; charset=utf-8", []byte(sse))
	if err != nil {
		t.Fatalf("sse form: %v", err)
	}
	var result map[string]any
	json.Unmarshal(resp.Result, &result)
	if result["ok"] != true {
		t.Fatalf("sse result: %v", result)
	}

	// SSE form with no RPC payload at all.
	if _, err := ParseRPCResponse("text/event-stream", []byte("data: [DONE]\n\n")); err == nil {
		t.Fatal("expected error for stream without RPC payload")
	}
}

func TestHostname(t *testing.T) {
	cases := map[string]string{
		"https://mcp.example.com/path":  "mcp.example.com",
		"https://mcp.example.com:8443/": "mcp.example.com",
		"not a url":                     "not a url",
	}
	for in, want := range cases {
		if got := Hostname(in); got != want {
			t.Fatalf("Hostname(%q): %q, want %q", in, got, want)
		}
	}
}
