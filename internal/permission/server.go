// ABOUTME: MCP-compatible HTTP endpoint the agent CLI calls for tool approvals.
// ABOUTME: Serves a single approve tool; demuxes agents via the X-Agent-ID header.

package permission

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ApproveToolName is the tool the agent CLI invokes to request permission.
const ApproveToolName = "approve"

// protocolVersion is the MCP protocol revision we advertise.
const protocolVersion = "2025-03-26"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSON-RPC 2.0 types

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC error codes
const (
	jsonRPCParseError     = -32700
	jsonRPCInvalidRequest = -32600
	jsonRPCMethodNotFound = -32601
	jsonRPCInvalidParams  = -32602
)

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type callToolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// approveArguments is the payload the CLI sends on a permission prompt.
type approveArguments struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// approveSchema describes the approve tool's input.
var approveSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"tool_name": {"type": "string", "description": "Tool the agent wants to run"},
		"input": {"type": "object", "description": "Arguments the agent wants to pass"}
	},
	"required": ["tool_name", "input"]
}`)

// Server exposes the permission engine over MCP Streamable HTTP. Each agent's
// CLI is configured with an X-Agent-ID header so one endpoint serves them all.
type Server struct {
	engine *Engine
	logger *slog.Logger
}

// NewServer wraps an engine in the MCP HTTP transport.
func NewServer(engine *Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		logger: logger.With("component", "permission-server"),
	}
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, jsonRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, jsonRPCInvalidRequest, "request body too large")
		return
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, jsonRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, jsonRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	// Notifications are accepted and dropped.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req)
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendError(w, req.ID, jsonRPCMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req jsonRPCRequest) {
	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "warren",
			"version": "1.0.0",
		},
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsList(w http.ResponseWriter, req jsonRPCRequest) {
	result := map[string]any{
		"tools": []toolInfo{{
			Name:        ApproveToolName,
			Description: "Ask the operator for permission to run a tool",
			InputSchema: approveSchema,
		}},
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req jsonRPCRequest) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		s.sendError(w, req.ID, jsonRPCInvalidRequest, "missing X-Agent-ID header")
		return
	}

	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, jsonRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name != ApproveToolName {
		s.sendError(w, req.ID, jsonRPCInvalidParams, "tool not found")
		return
	}

	var args approveArguments
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.sendError(w, req.ID, jsonRPCInvalidParams, "invalid arguments")
			return
		}
	}
	if args.ToolName == "" {
		s.sendError(w, req.ID, jsonRPCInvalidParams, "tool_name is required")
		return
	}
	if len(args.Input) == 0 {
		args.Input = json.RawMessage(`{}`)
	}

	decision, err := s.engine.Request(r.Context(), agentID, args.ToolName, args.Input)
	payload := buildBehavior(decision, err, args.Input)

	data, mErr := json.Marshal(payload)
	if mErr != nil {
		s.sendError(w, req.ID, jsonRPCInvalidParams, "failed to encode decision")
		return
	}

	s.sendResult(w, req.ID, callToolResult{
		Content: []toolContent{{Type: "text", Text: string(data)}},
	})
}

// buildBehavior maps an engine decision onto the CLI's expected permission
// response. Approval echoes the original input back as updatedInput.
func buildBehavior(decision Decision, err error, input json.RawMessage) map[string]any {
	switch {
	case err == nil && decision.Approved:
		return map[string]any{
			"behavior":     "allow",
			"updatedInput": input,
		}
	case errors.Is(err, ErrAgentNotFound):
		return map[string]any{
			"behavior": "deny",
			"message":  "Agent not found",
		}
	case errors.Is(err, ErrTimedOut):
		return map[string]any{
			"behavior": "deny",
			"message":  "Permission request timed out waiting for the operator",
		}
	case err != nil:
		return map[string]any{
			"behavior": "deny",
			"message":  "Permission request cancelled",
		}
	default:
		return map[string]any{
			"behavior": "deny",
			"message":  "Denied by operator",
		}
	}
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: &jsonRPCError{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
