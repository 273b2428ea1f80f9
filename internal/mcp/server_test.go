// ABOUTME: Tests for the MCP HTTP server including sessions, tool listing, and execution.
// ABOUTME: Runs calls through a real dispatch engine with the built-in tools.

package mcp

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/dispatch"
	"github.com/2389/toolgate/internal/tools"
)

// staticDelegates declares delegate tools per user.
type staticDelegates map[string]map[string]string

func (s staticDelegates) ToolTargetsForUser(userID string) map[string]string {
	return s[userID]
}

type testServer struct {
	t       *testing.T
	server  *Server
	handler http.Handler
	now     time.Time
}

func newTestServer(t *testing.T, policy dispatch.Policy) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tools.NewRegistry(logger)
	require.NoError(t, builtins.Register(registry, builtins.Options{}))

	engine := dispatch.NewEngine(dispatch.Config{Tools: registry, Logger: logger})
	t.Cleanup(engine.Close)

	ts := &testServer{t: t, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	server, err := NewServer(Config{
		Tools:     registry,
		Delegates: staticDelegates{"user-1": {"build": "laptop"}},
		Executor:  engine,
		Policy:    policy,
		Logger:    logger,
		Version:   "test",
		Now:       func() time.Time { return ts.now },
	})
	require.NoError(t, err)
	ts.server = server

	// Stand-in for the JWT middleware: X-User becomes the caller.
	ts.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-User"); user != "" {
			r = r.WithContext(auth.WithAuth(r.Context(), &auth.AuthContext{UserID: user, Kind: auth.KindUser}))
		}
		server.Handler().ServeHTTP(w, r)
	})
	return ts
}

func (ts *testServer) post(user, sessionID string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(ts.t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) initialize(user string) string {
	ts.t.Helper()
	rec := ts.post(user, "", rpc(1, "initialize", nil))
	require.Equal(ts.t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(ts.t, sessionID)
	return sessionID
}

func rpc(id int, method string, params any) map[string]any {
	m := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		m["params"] = params
	}
	return m
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *JSONRPCError   `json:"error"`
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestInitialize(t *testing.T) {
	ts := newTestServer(t, dispatch.DefaultPolicy())

	rec := ts.post("user-1", "", rpc(1, "initialize", map[string]any{"protocolVersion": "2025-03-26"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))

	resp := decodeRPC(t, rec)
	require.Nil(t, resp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, latestProtocolVersion, result["protocolVersion"])
	assert.Equal(t, map[string]any{"name": "toolgate", "version": "test"}, result["serverInfo"])
}

func TestSessionRules(t *testing.T) {
	ts := newTestServer(t, dispatch.DefaultPolicy())
	sessionID := ts.initialize("user-1")

	t.Run("no user", func(t *testing.T) {
		rec := ts.post("", sessionID, rpc(2, "ping", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing session", func(t *testing.T) {
		rec := ts.post("user-1", "", rpc(2, "tools/list", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := ts.post("user-1", "nope", rpc(2, "tools/list", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("other user's session", func(t *testing.T) {
		rec := ts.post("user-2", sessionID, rpc(2, "tools/list", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ping", func(t *testing.T) {
		rec := ts.post("user-1", sessionID, rpc(2, "ping", nil))
		resp := decodeRPC(t, rec)
		assert.Nil(t, resp.Error)
		assert.JSONEq(t, `{}`, string(resp.Result))
	})

	t.Run("notification", func(t *testing.T) {
		rec := ts.post("user-1", sessionID, map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("unknown method", func(t *testing.T) {
		rec := ts.post("user-1", sessionID, rpc(3, "resources/list", nil))
		resp := decodeRPC(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCMethodNotFound, resp.Error.Code)
	})

	t.Run("bad version header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
		req.Header.Set("X-User", "user-1")
		req.Header.Set("Mcp-Session-Id", sessionID)
		req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{`)))
		req.Header.Set("X-User", "user-1")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		resp := decodeRPC(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCParseError, resp.Error.Code)
	})
}

func TestSessionExpiry(t *testing.T) {
	ts := newTestServer(t, dispatch.DefaultPolicy())
	sessionID := ts.initialize("user-1")

	ts.now = ts.now.Add(sessionTTL - time.Minute)
	rec := ts.post("user-1", sessionID, rpc(2, "ping", nil))
	require.Equal(t, http.StatusOK, rec.Code, "activity refreshes the session")

	ts.now = ts.now.Add(sessionTTL - time.Minute)
	rec = ts.post("user-1", sessionID, rpc(3, "ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	ts.now = ts.now.Add(sessionTTL + time.Second)
	rec = ts.post("user-1", sessionID, rpc(4, "ping", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, ts.server.sessions.count())
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t, dispatch.DefaultPolicy())
	sessionID := ts.initialize("user-1")

	del := func(user string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("X-User", user)
		req.Header.Set("Mcp-Session-Id", sessionID)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, del("user-2"))
	assert.Equal(t, http.StatusNoContent, del("user-1"))
	assert.Equal(t, http.StatusNotFound, del("user-1"))

	rec := ts.post("user-1", sessionID, rpc(2, "ping", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, dispatch.DefaultPolicy())

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		req := httptest.NewRequest(method, "/mcp", nil)
		req.Header.Set("X-User", "user-1")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
}

func listToolNames(t *testing.T, ts *testServer, user string) map[string]MCPToolInfo {
	t.Helper()
	sessionID := ts.initialize(user)
	resp := decodeRPC(t, ts.post(user, sessionID, rpc(2, "tools/list", nil)))
	require.Nil(t, resp.Error)

	var result MCPListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	out := make(map[string]MCPToolInfo, len(result.Tools))
	for _, tool := range result.Tools {
		out[tool.Name] = tool
	}
	return out
}

func TestToolsList(t *testing.T) {
	t.Run("local and delegate tools", func(t *testing.T) {
		ts := newTestServer(t, dispatch.DefaultPolicy())
		got := listToolNames(t, ts, "user-1")

		require.Len(t, got, 3)
		assert.Equal(t, "object", got["echo"].InputSchema["type"])
		assert.Contains(t, got["echo"].InputSchema, "properties")
		assert.Equal(t, map[string]any{"type": "object"}, got["build"].InputSchema)

		assert.Len(t, listToolNames(t, ts, "user-2"), 2)
	})

	t.Run("allow-list", func(t *testing.T) {
		ts := newTestServer(t, dispatch.Policy{ToolsEnabled: true, EnabledTools: []string{"echo"}})
		got := listToolNames(t, ts, "user-1")
		assert.Len(t, got, 1)
		assert.Contains(t, got, "echo")
	})

	t.Run("disabled", func(t *testing.T) {
		ts := newTestServer(t, dispatch.Policy{})
		assert.Empty(t, listToolNames(t, ts, "user-1"))
	})
}

func TestToolsCall(t *testing.T) {
	ts := newTestServer(t, dispatch.DefaultPolicy())
	sessionID := ts.initialize("user-1")

	call := func(params any) rpcResponse {
		t.Helper()
		return decodeRPC(t, ts.post("user-1", sessionID, rpc(7, "tools/call", params)))
	}

	t.Run("success", func(t *testing.T) {
		resp := call(map[string]any{"name": "echo", "arguments": map[string]any{"message": "hi"}})
		require.Nil(t, resp.Error)
		assert.JSONEq(t, `7`, string(resp.ID))

		var result MCPCallToolResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.False(t, result.IsError)
		assert.Equal(t, []MCPContent{{Type: "text", Text: "Echo: hi"}}, result.Content)
	})

	t.Run("structured content", func(t *testing.T) {
		resp := call(map[string]any{"name": "current_time"})
		require.Nil(t, resp.Error)

		var result MCPCallToolResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.False(t, result.IsError)
		assert.Contains(t, string(result.StructuredContent), `"timezone":"UTC"`)
	})

	t.Run("validation failure is a tool error", func(t *testing.T) {
		resp := call(map[string]any{"name": "echo", "arguments": map[string]any{}})
		require.Nil(t, resp.Error)

		var result MCPCallToolResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.True(t, result.IsError)
		require.Len(t, result.Content, 1)
		assert.Contains(t, result.Content[0].Text, "invalid input")
	})

	t.Run("unknown tool", func(t *testing.T) {
		resp := call(map[string]any{"name": "frobnicate"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
		assert.Equal(t, "unknown tool: frobnicate", resp.Error.Message)
	})

	t.Run("missing name", func(t *testing.T) {
		resp := call(map[string]any{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})

	t.Run("arguments not an object", func(t *testing.T) {
		resp := call(map[string]any{"name": "echo", "arguments": []string{"hi"}})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})
}

func TestToolsCallUnderPolicy(t *testing.T) {
	ts := newTestServer(t, dispatch.Policy{ToolsEnabled: true, EnabledTools: []string{"current_time"}})
	sessionID := ts.initialize("user-1")

	resp := decodeRPC(t, ts.post("user-1", sessionID, rpc(1, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "hi"},
	})))
	require.Nil(t, resp.Error)

	var result MCPCallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
	assert.Equal(t, dispatch.MsgToolNotEnabled, result.Content[0].Text)
}

func TestNewServerValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tools.NewRegistry(logger)

	engine := dispatch.NewEngine(dispatch.Config{Tools: registry, Logger: logger})
	defer engine.Close()

	_, err := NewServer(Config{Executor: engine})
	assert.Error(t, err)

	_, err = NewServer(Config{Tools: registry})
	assert.Error(t, err)
}
