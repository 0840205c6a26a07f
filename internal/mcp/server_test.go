// ABOUTME: Tests for the MCP HTTP server including sessions, tool calls and resources.
// ABOUTME: Validates JSON-RPC framing, error mapping and session ownership.

package mcp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/channels"
	"github.com/2389/hitl-coord/internal/heartbeat"
	"github.com/2389/hitl-coord/internal/locks"
	"github.com/2389/hitl-coord/internal/tools"
)

func setupTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	hb, err := heartbeat.NewManager(heartbeat.Config{})
	if err != nil {
		t.Fatalf("failed to create heartbeat manager: %v", err)
	}
	coordinator, err := tools.New(tools.Config{
		Channels:  channels.NewStore(channels.Config{}),
		Locks:     locks.NewManager(locks.Config{}),
		Heartbeat: hb,
		Auth:      auth.NewManager(auth.Config{}),
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	server, err := NewServer(Config{Coordinator: coordinator, Version: "test"})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return server, mux
}

func post(t *testing.T, mux http.Handler, sessionID, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func initialize(t *testing.T, mux http.Handler, headers ...string) string {
	t.Helper()
	rr := post(t, mux, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, headers...)
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize: expected 200, got %d", rr.Code)
	}
	id := rr.Header().Get("Mcp-Session-Id")
	if id == "" {
		t.Fatal("initialize did not return a session id")
	}
	return id
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *JSONRPCError   `json:"error"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v (body %q)", err, rr.Body.String())
	}
	return resp
}

func callTool(t *testing.T, mux http.Handler, sessionID, name string, args any) rpcResponse {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		t.Fatal(err)
	}
	body := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":` + string(params) + `}`
	return decode(t, post(t, mux, sessionID, body))
}

func TestInitialize(t *testing.T) {
	server, mux := setupTestServer(t)
	rr := post(t, mux, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)

	resp := decode(t, rr)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      map[string]any `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != latestProtocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if _, ok := result.Capabilities["resources"]; !ok {
		t.Error("resources capability not advertised")
	}
	if result.ServerInfo["name"] != "hitl-coord" || result.ServerInfo["version"] != "test" {
		t.Errorf("serverInfo = %v", result.ServerInfo)
	}
	if server.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", server.SessionCount())
	}
}

func TestSessionRequired(t *testing.T) {
	_, mux := setupTestServer(t)

	rr := post(t, mux, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing session: expected 400, got %d", rr.Code)
	}

	rr = post(t, mux, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rr.Code)
	}
}

func TestProtocolHandling(t *testing.T) {
	_, mux := setupTestServer(t)
	sid := initialize(t, mux)

	tests := []struct {
		name     string
		body     string
		headers  []string
		wantHTTP int
		wantCode int
	}{
		{name: "notification accepted", body: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, wantHTTP: http.StatusAccepted},
		{name: "ping", body: `{"jsonrpc":"2.0","id":3,"method":"ping"}`, wantHTTP: http.StatusOK},
		{name: "bad json", body: `{`, wantHTTP: http.StatusOK, wantCode: JSONRPCParseError},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantHTTP: http.StatusOK, wantCode: JSONRPCInvalidRequest},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`, wantHTTP: http.StatusOK, wantCode: JSONRPCMethodNotFound},
		{name: "unsupported protocol header", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			headers: []string{"Mcp-Protocol-Version", "1999-01-01"}, wantHTTP: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, mux, sid, tt.body, tt.headers...)
			if rr.Code != tt.wantHTTP {
				t.Fatalf("expected HTTP %d, got %d", tt.wantHTTP, rr.Code)
			}
			if tt.wantHTTP != http.StatusOK {
				return
			}
			resp := decode(t, rr)
			switch {
			case tt.wantCode == 0 && resp.Error != nil:
				t.Errorf("unexpected error: %+v", resp.Error)
			case tt.wantCode != 0 && (resp.Error == nil || resp.Error.Code != tt.wantCode):
				t.Errorf("expected error code %d, got %+v", tt.wantCode, resp.Error)
			}
		})
	}
}

func TestToolsList(t *testing.T) {
	_, mux := setupTestServer(t)
	sid := initialize(t, mux)

	resp := decode(t, post(t, mux, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	var result MCPListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, tool := range result.Tools {
		if tool.Name == "send_coordination_message" {
			found = true
			if len(tool.InputSchema) == 0 {
				t.Error("send tool has no input schema")
			}
		}
	}
	if !found {
		t.Error("send_coordination_message not listed")
	}
}

func TestToolsCall(t *testing.T) {
	_, mux := setupTestServer(t)
	sid := initialize(t, mux)

	resp := callTool(t, mux, sid, "send_coordination_message", map[string]any{
		"channel_name": "ops", "agent_id": "A", "message_type": "progress", "content": "hi",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result struct {
		Content           []MCPContent     `json:"content"`
		StructuredContent tools.SendResult `json:"structuredContent"`
		IsError           bool             `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatal("unexpected isError")
	}
	if !strings.HasPrefix(result.StructuredContent.ChannelURI, "coordination://ops/") {
		t.Errorf("channel_uri = %q", result.StructuredContent.ChannelURI)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, result.StructuredContent.MessageID) {
		t.Errorf("text content does not carry the result: %+v", result.Content)
	}
}

func TestToolsCall_Errors(t *testing.T) {
	_, mux := setupTestServer(t)
	sid := initialize(t, mux)

	t.Run("coordination error is a tool result", func(t *testing.T) {
		resp := callTool(t, mux, sid, "release_coordination_lock", map[string]any{"lock_id": "nope", "agent_id": "A"})
		if resp.Error != nil {
			t.Fatalf("expected tool result, got JSON-RPC error %+v", resp.Error)
		}
		var result struct {
			IsError           bool `json:"isError"`
			StructuredContent struct {
				Error struct {
					Kind string `json:"kind"`
				} `json:"error"`
			} `json:"structuredContent"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatal(err)
		}
		if !result.IsError || result.StructuredContent.Error.Kind != "not_found" {
			t.Errorf("unexpected result: %s", resp.Result)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		resp := callTool(t, mux, sid, "nope", map[string]any{})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected -32602, got %+v", resp.Error)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		resp := callTool(t, mux, sid, "heartbeat", map[string]any{})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected -32602, got %+v", resp.Error)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		resp := decode(t, post(t, mux, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}`))
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected -32602, got %+v", resp.Error)
		}
	})
}

func TestResources(t *testing.T) {
	_, mux := setupTestServer(t)
	sid := initialize(t, mux)
	callTool(t, mux, sid, "join_coordination_channel", map[string]any{"channel_name": "ops", "agent_id": "A"})

	resp := decode(t, post(t, mux, sid, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`))
	if !bytes.Contains(resp.Result, []byte("coordination://channels")) {
		t.Errorf("resources/list missing channels: %s", resp.Result)
	}

	resp = decode(t, post(t, mux, sid, `{"jsonrpc":"2.0","id":4,"method":"resources/templates/list"}`))
	if !bytes.Contains(resp.Result, []byte("coordination://{channel}/since/{message_id}")) {
		t.Errorf("templates missing since: %s", resp.Result)
	}

	resp = decode(t, post(t, mux, sid, `{"jsonrpc":"2.0","id":5,"method":"resources/read","params":{"uri":"coordination://channels"}}`))
	var read struct {
		Contents []tools.ResourceContents `json:"contents"`
	}
	if err := json.Unmarshal(resp.Result, &read); err != nil {
		t.Fatal(err)
	}
	if len(read.Contents) != 1 || !strings.Contains(read.Contents[0].Text, `"ops"`) {
		t.Errorf("unexpected contents: %+v", read.Contents)
	}

	resp = decode(t, post(t, mux, sid, `{"jsonrpc":"2.0","id":6,"method":"resources/read","params":{"uri":"coordination://missing"}}`))
	if resp.Error == nil || resp.Error.Code != MCPResourceNotFound {
		t.Errorf("expected -32002, got %+v", resp.Error)
	}
}

func TestDeleteSession(t *testing.T) {
	server, mux := setupTestServer(t)
	sid := initialize(t, mux, "Authorization", "Bearer owner-token")

	del := func(sessionID, token string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := del("", ""); code != http.StatusBadRequest {
		t.Errorf("missing id: expected 400, got %d", code)
	}
	if code := del(sid, "someone-else"); code != http.StatusForbidden {
		t.Errorf("wrong owner: expected 403, got %d", code)
	}
	if code := del(sid, "owner-token"); code != http.StatusNoContent {
		t.Errorf("owner: expected 204, got %d", code)
	}
	if code := del(sid, "owner-token"); code != http.StatusNotFound {
		t.Errorf("deleted: expected 404, got %d", code)
	}
	if server.SessionCount() != 0 {
		t.Errorf("expected no sessions, got %d", server.SessionCount())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, mux := setupTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodPut} {
		req := httptest.NewRequest(method, "/mcp", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rr.Code)
		}
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without coordinator")
	}
}
