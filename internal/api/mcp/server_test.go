package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavily-local-proxy/tavily-mcp/internal/api/mcp"
	"github.com/tavily-local-proxy/tavily-mcp/internal/tavily"
)

// upstreamCall records one Post made by the server.
type upstreamCall struct {
	Path    string
	Payload interface{}
}

// fakeUpstream is an in-memory stand-in for tavily.Client.
type fakeUpstream struct {
	mu     sync.Mutex
	calls  []upstreamCall
	result tavily.Result
	// resultFn, when set, overrides result.
	resultFn func(path string) tavily.Result
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{result: tavily.Result{Text: "{}", Status: 200}}
}

func (f *fakeUpstream) Post(_ context.Context, path string, payload interface{}) tavily.Result {
	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{Path: path, Payload: payload})
	f.mu.Unlock()
	if f.resultFn != nil {
		return f.resultFn(path)
	}
	return f.result
}

func (f *fakeUpstream) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

// marshalResponse renders a response the way it goes on the wire.
func marshalResponse(t *testing.T, resp *mcp.JSONRPCResponse) string {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(data)
}

func handle(t *testing.T, srv *mcp.Server, raw string) *mcp.JSONRPCResponse {
	t.Helper()
	return srv.HandleRequest(context.Background(), json.RawMessage(raw))
}

// ---------------------------------------------------------------------------
// NewServer
// ---------------------------------------------------------------------------

func TestNewServer_DefaultServerInfo(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.NotNil(t, resp)
	result, ok := resp.Result.(mcp.MCPInitializeResult)
	require.True(t, ok)
	assert.Equal(t, "tavily-local-proxy-mcp", result.ServerInfo.Name)
	assert.Equal(t, "1.0.0", result.ServerInfo.Version)
}

func TestNewServer_WithServerInfo(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream(), mcp.WithServerInfo(mcp.MCPServerInfo{Name: "custom", Version: "9"}))

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	result := resp.Result.(mcp.MCPInitializeResult)
	assert.Equal(t, "custom", result.ServerInfo.Name)
}

// ---------------------------------------------------------------------------
// initialize / tools/list
// ---------------------------------------------------------------------------

func TestHandleRequest_InitializeDefaultVersion(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	assert.JSONEq(t, `{
		"jsonrpc":"2.0","id":1,
		"result":{
			"protocolVersion":"2024-11-05",
			"capabilities":{"tools":{}},
			"serverInfo":{"name":"tavily-local-proxy-mcp","version":"1.0.0"}
		}
	}`, marshalResponse(t, resp))
}

func TestHandleRequest_InitializeEchoesProtocolVersion(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	result := resp.Result.(mcp.MCPInitializeResult)
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, `"init"`, string(resp.ID))
}

func TestHandleRequest_InitializeNonStringVersionFallsBack(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	for _, params := range []string{`{"protocolVersion":5}`, `[]`, `"x"`} {
		resp := handle(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":`+params+`}`)
		result := resp.Result.(mcp.MCPInitializeResult)
		assert.Equal(t, mcp.DefaultProtocolVersion, result.ProtocolVersion, params)
	}
}

func TestHandleRequest_ToolsList(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	var decoded struct {
		Result struct {
			Tools []struct {
				Name        string                 `json:"name"`
				InputSchema map[string]interface{} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(marshalResponse(t, resp)), &decoded))

	var names []string
	for _, tool := range decoded.Result.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"])
	}
	assert.Equal(t, []string{"tavily_search", "tavily_extract", "tavily_crawl", "tavily_map", "tavily_research"}, names)
}

// ---------------------------------------------------------------------------
// tools/call
// ---------------------------------------------------------------------------

func TestHandleRequest_ToolsCallSuccess(t *testing.T) {
	up := newFakeUpstream()
	up.result = tavily.Result{Text: "{\n  \"answer\": 42\n}", Status: 200}
	srv := mcp.NewServer(up)

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"tavily_search","arguments":{"query":"q","country":"DE"}}}`)
	assert.JSONEq(t, `{
		"jsonrpc":"2.0","id":3,
		"result":{"content":[{"type":"text","text":"{\n  \"answer\": 42\n}"}]}
	}`, marshalResponse(t, resp))

	calls := up.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/search", calls[0].Path)
	payload, err := json.Marshal(calls[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"q","country":"DE","topic":"general","include_domains":[],"exclude_domains":[]}`, string(payload))
}

func TestHandleRequest_ToolsCallUpstreamError(t *testing.T) {
	up := newFakeUpstream()
	up.result = tavily.Result{Text: "Tavily API error (500): rate limited", IsError: true, Status: 500}
	srv := mcp.NewServer(up)

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"tavily_extract","arguments":{"urls":["u"]}}}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{
		"jsonrpc":"2.0","id":4,
		"result":{"content":[{"type":"text","text":"Tavily API error (500): rate limited"}],"isError":true}
	}`, marshalResponse(t, resp))
}

func TestHandleRequest_ToolsCallTransportFailure(t *testing.T) {
	up := newFakeUpstream()
	up.result = tavily.Result{Text: "Tavily proxy request failed: connection refused", IsError: true}
	srv := mcp.NewServer(up)

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"tavily_map","arguments":{"url":"u"}}}`)
	result := resp.Result.(*mcp.MCPToolCallResult)
	assert.True(t, result.IsError)
	assert.Equal(t, "Tavily proxy request failed: connection refused", result.Content[0].Text)
}

func TestHandleRequest_ToolsCallMissingName(t *testing.T) {
	up := newFakeUpstream()
	srv := mcp.NewServer(up)

	for _, params := range []string{`{}`, `{"name":""}`, `{"name":7}`, `null`, `[]`} {
		resp := handle(t, srv, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":`+params+`}`)
		require.NotNil(t, resp.Error, params)
		assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)
		assert.Equal(t, "Invalid params: missing tool name", resp.Error.Message)
	}

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":6,"method":"tools/call"}`)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)
	assert.Empty(t, up.Calls())
}

func TestHandleRequest_ToolsCallUnknownTool(t *testing.T) {
	up := newFakeUpstream()
	srv := mcp.NewServer(up)

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"tavily_nope"}}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"Unknown tool: tavily_nope"}}`, marshalResponse(t, resp))
	assert.Empty(t, up.Calls())
}

// ---------------------------------------------------------------------------
// routing and envelope errors
// ---------------------------------------------------------------------------

func TestHandleRequest_UnknownMethod(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":8,"method":"resources/list"}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":8,"error":{"code":-32601,"message":"Method not found: resources/list"}}`, marshalResponse(t, resp))
}

func TestHandleRequest_NotificationsProduceNoResponse(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	assert.Nil(t, handle(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, handle(t, srv, `{"jsonrpc":"2.0","id":9,"method":"notifications/cancelled"}`))
}

func TestHandleRequest_RequestWithoutIDAnsweredWithNull(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	resp := handle(t, srv, `{"jsonrpc":"2.0","method":"tools/list"}`)
	require.NotNil(t, resp)
	assert.Contains(t, marshalResponse(t, resp), `"id":null`)
}

func TestHandleRequest_InvalidEnvelope(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "wrong version keeps id",
			input: `{"jsonrpc":"1.0","id":10,"method":"tools/list"}`,
			want:  `{"jsonrpc":"2.0","id":10,"error":{"code":-32600,"message":"Invalid Request"}}`,
		},
		{
			name:  "missing method keeps string id",
			input: `{"jsonrpc":"2.0","id":"abc"}`,
			want:  `{"jsonrpc":"2.0","id":"abc","error":{"code":-32600,"message":"Invalid Request"}}`,
		},
		{
			name:  "scalar value",
			input: `17`,
			want:  `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"Invalid Request"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, marshalResponse(t, handle(t, srv, tt.input)))
		})
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func collect(t *testing.T, srv *mcp.Server, message string) []*mcp.JSONRPCResponse {
	t.Helper()
	var out []*mcp.JSONRPCResponse
	err := srv.Dispatch(context.Background(), json.RawMessage(message), func(resp *mcp.JSONRPCResponse) error {
		out = append(out, resp)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDispatch_SingleRequest(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	out := collect(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Len(t, out, 1)
	assert.Equal(t, "1", string(out[0].ID))

	assert.Empty(t, collect(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`))
}

func TestDispatch_BatchInOrderSkippingNotifications(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	out := collect(t, srv, `[
		{"jsonrpc":"2.0","id":1,"method":"initialize"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"tools/list"}
	]`)
	require.Len(t, out, 2)
	assert.Equal(t, "1", string(out[0].ID))
	assert.Equal(t, "2", string(out[1].ID))
}

func TestDispatch_BatchEntriesValidatedIndividually(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())

	out := collect(t, srv, `[42, {"jsonrpc":"2.0","id":"b","method":"nope"}]`)
	require.Len(t, out, 2)
	assert.Equal(t, mcp.ErrCodeInvalidRequest, out[0].Error.Code)
	assert.Equal(t, mcp.ErrCodeMethodNotFound, out[1].Error.Code)
	assert.Equal(t, `"b"`, string(out[1].ID))
}

func TestDispatch_EmptyBatchProducesNothing(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())
	assert.Empty(t, collect(t, srv, `[]`))
}

func TestDispatch_BatchToolCallsRunSequentially(t *testing.T) {
	up := newFakeUpstream()
	up.resultFn = func(path string) tavily.Result {
		return tavily.Result{Text: path, Status: 200}
	}
	srv := mcp.NewServer(up)

	out := collect(t, srv, `[
		{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"tavily_crawl","arguments":{"url":"u"}}},
		{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"tavily_research","arguments":{"input":"i"}}}
	]`)
	require.Len(t, out, 2)
	assert.Equal(t, "/crawl", out[0].Result.(*mcp.MCPToolCallResult).Content[0].Text)
	assert.Equal(t, "/research", out[1].Result.(*mcp.MCPToolCallResult).Content[0].Text)

	calls := up.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/crawl", calls[0].Path)
	assert.Equal(t, "/research", calls[1].Path)
}

func TestDispatch_EmitErrorStopsBatch(t *testing.T) {
	srv := mcp.NewServer(newFakeUpstream())
	boom := errors.New("boom")

	calls := 0
	err := srv.Dispatch(context.Background(), json.RawMessage(`[
		{"jsonrpc":"2.0","id":1,"method":"tools/list"},
		{"jsonrpc":"2.0","id":2,"method":"tools/list"}
	]`), func(*mcp.JSONRPCResponse) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
