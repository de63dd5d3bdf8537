package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

// Server speaks newline-delimited JSON-RPC over a reader/writer pair,
// normally stdin/stdout. Logs go to slog, never to the transport.
type Server struct {
	registry *Registry
	info     ServerInfo
	in       io.Reader
	out      io.Writer
}

// NewServer creates a Server over the given transport.
func NewServer(registry *Registry, info ServerInfo, in io.Reader, out io.Writer) *Server {
	return &Server{registry: registry, info: info, in: in, out: out}
}

// Run reads requests until the input closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	// Remembered artifacts can be large.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	encoder := json.NewEncoder(s.out)

	slog.Info("mcp: server started", "name", s.info.Name, "version", s.info.Version)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleMessage(ctx, line)
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("mcp: writing response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp: reading transport: %w", err)
	}

	slog.Info("mcp: server stopped, transport closed")
	return nil
}

// handleMessage parses one request and dispatches it. Notifications (no id)
// get no response.
func (s *Server) handleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ErrCodeParse, Message: "parse error", Data: err.Error()},
		}
	}

	if req.ID == nil {
		slog.Debug("mcp: notification", "method", req.Method)
		return nil
	}

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return &ToolsListResult{Tools: s.registry.List()}, nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	case "ping":
		return map[string]any{}, nil
	default:
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &RPCError{
				Code:    ErrCodeInvalidParams,
				Message: "invalid initialize params",
				Data:    err.Error(),
			}
		}
	}

	slog.Info("mcp: client connecting",
		"client", initParams.ClientInfo.Name,
		"client_version", initParams.ClientInfo.Version,
	)

	return &InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    ServerCapability{Tools: &ToolsCapability{}},
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var callParams ToolsCallParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "invalid tools/call params",
			Data:    err.Error(),
		}
	}

	tool := s.registry.Get(callParams.Name)
	if tool == nil {
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("tool not found: %s", callParams.Name),
		}
	}

	slog.Info("mcp: calling tool", "tool", callParams.Name)

	result, err := tool.Execute(ctx, callParams.Arguments)
	if err != nil {
		// Tools map domain failures themselves; reaching here means the
		// tool could not even produce a structured error.
		slog.Error("mcp: tool execution failed", "tool", callParams.Name, "error", err)
		return ErrorResult("INTERNAL_ERROR", err.Error()), nil
	}
	return result, nil
}
