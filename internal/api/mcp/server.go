package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tavily-local-proxy/tavily-mcp/internal/debuglog"
	"github.com/tavily-local-proxy/tavily-mcp/internal/tavily"
)

// upstream is the subset of tavily.Client used by the MCP server.
// Using an interface keeps the MCP package loosely coupled and testable.
type upstream interface {
	Post(ctx context.Context, path string, payload interface{}) tavily.Result
}

// Server validates JSON-RPC requests and routes them to the MCP handlers.
// It holds no per-connection state; framing and ordering belong to Session.
type Server struct {
	upstream upstream
	sink     *debuglog.Sink
	info     MCPServerInfo
	tools    []MCPTool
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithDebugSink sends diagnostic events to sink.
func WithDebugSink(sink *debuglog.Sink) ServerOption {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithServerInfo overrides the identity reported by initialize.
func WithServerInfo(info MCPServerInfo) ServerOption {
	return func(s *Server) {
		s.info = info
	}
}

// NewServer creates a Server forwarding tool calls to up.
func NewServer(up upstream, opts ...ServerOption) *Server {
	s := &Server{
		upstream: up,
		sink:     debuglog.Discard(),
		info:     DefaultServerInfo,
		tools:    Tools(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch handles one decoded top-level JSON value. A single request yields at
// most one response; a batch yields one response per non-notification entry,
// in array order. Each response is handed to emit as soon as it exists, and
// the next entry is not started before emit returns. An emit error stops the
// batch and is returned.
func (s *Server) Dispatch(ctx context.Context, message json.RawMessage, emit func(*JSONRPCResponse) error) error {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return emit(errorResponse(nil, ErrCodeParseError, "Parse error: invalid JSON body"))
		}
		s.sink.Printf("dispatchMessage batch messages=%d", len(entries))
		for _, entry := range entries {
			if resp := s.HandleRequest(ctx, entry); resp != nil {
				if err := emit(resp); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if resp := s.HandleRequest(ctx, trimmed); resp != nil {
		return emit(resp)
	}
	return nil
}

// HandleRequest processes a single JSON-RPC request and returns its response,
// or nil for notifications.
func (s *Server) HandleRequest(ctx context.Context, raw json.RawMessage) *JSONRPCResponse {
	env, rej := ParseEnvelope(raw)
	if rej != nil {
		s.sink.Printf("handleRequest invalid request envelope reason=%s id=%s", rej.Reason, idString(rej.ID))
		return errorResponse(rej.ID, ErrCodeInvalidRequest, "Invalid Request")
	}

	s.sink.Printf("handleRequest begin id=%s method=%s", idString(env.ID), env.Method)

	switch {
	case env.Method == "initialize":
		return successResponse(env.ID, s.handleInitialize(env.Params))
	case env.Method == "tools/list":
		return successResponse(env.ID, MCPToolsListResult{Tools: s.tools})
	case env.Method == "tools/call":
		return s.handleToolsCall(ctx, env)
	case strings.HasPrefix(env.Method, "notifications/"):
		return nil
	default:
		return errorResponse(env.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", env.Method))
	}
}

// handleInitialize echoes the client's protocol version when it sent one.
func (s *Server) handleInitialize(params json.RawMessage) MCPInitializeResult {
	version, ok := stringMember(objectMembers(params), "protocolVersion")
	if !ok {
		version = DefaultProtocolVersion
	}
	return MCPInitializeResult{
		ProtocolVersion: version,
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: s.info,
	}
}

// handleToolsCall maps the call onto the upstream API. Upstream failures come
// back as error-flagged tool results inside a successful response.
func (s *Server) handleToolsCall(ctx context.Context, env *Envelope) *JSONRPCResponse {
	params := objectMembers(env.Params)
	name, _ := stringMember(params, "name")
	if name == "" {
		return errorResponse(env.ID, ErrCodeInvalidParams, "Invalid params: missing tool name")
	}

	req, ok := MapToolCall(name, params["arguments"])
	if !ok {
		return errorResponse(env.ID, ErrCodeMethodNotFound, fmt.Sprintf("Unknown tool: %s", name))
	}

	res := s.upstream.Post(ctx, req.Path, req.Payload)
	if res.IsError && res.Status == 0 {
		s.sink.Printf("handleRequest tools/call failed id=%s tool=%s err=%s", idString(env.ID), name, res.Text)
	} else {
		s.sink.Printf("handleRequest tools/call ok id=%s tool=%s", idString(env.ID), name)
	}

	return successResponse(env.ID, textResult(res.Text, res.IsError))
}

// idString renders a raw id for the debug log.
func idString(id json.RawMessage) string {
	if id == nil {
		return "null"
	}
	return string(id)
}
