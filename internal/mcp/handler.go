// Package mcp implements the JSON-RPC 2.0 dispatch surface over the MCP
// streamable HTTP transport.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"

	maxBodyBytes = 10 * 1024 * 1024
)

// Handler serves the single MCP endpoint: POST carries JSON-RPC messages,
// GET is refused (no server-initiated stream), DELETE terminates a session.
type Handler struct {
	registry *Registry
	info     ServerInfo
	timeout  time.Duration
	logger   observability.Logger
	metrics  observability.MetricsClient
	sessions sync.Map // session id -> *session
}

type session struct {
	id        string
	createdAt time.Time
}

// NewHandler builds the MCP transport handler. The timeout is the
// per-request execution budget applied to every dispatched message.
func NewHandler(registry *Registry, info ServerInfo, timeout time.Duration,
	logger observability.Logger, metrics observability.MetricsClient) *Handler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Handler{
		registry: registry,
		info:     info,
		timeout:  timeout,
		logger:   logger.WithPrefix("mcp"),
		metrics:  metrics,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		// No server-initiated messages; the spec allows refusing the stream.
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, `{"error":"SSE stream not supported; use POST"}`, http.StatusMethodNotAllowed)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, ErrCodeInvalidRequest, "empty request body", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
		h.handleBatch(ctx, w, r, body)
		return
	}
	h.handleSingle(ctx, w, r, body)
}

func (h *Handler) handleSingle(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, ErrCodeParse, "parse error", err.Error()))
		return
	}

	// Notifications carry no id and get no response body.
	if isNotification(&req) {
		h.handleNotification(&req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if resp, ok := h.checkHeaders(r, &req); !ok {
		h.writeResponse(w, http.StatusOK, resp)
		return
	}

	resp := h.dispatch(ctx, &req)
	if req.Method == "initialize" && resp.Error == nil {
		w.Header().Set(headerSessionID, h.createSession())
	}
	h.writeResponse(w, http.StatusOK, resp)
}

func (h *Handler) handleBatch(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) {
	var messages []json.RawMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, ErrCodeParse, "parse error", err.Error()))
		return
	}
	if len(messages) == 0 {
		h.writeResponse(w, http.StatusBadRequest, errorResponse(nil, ErrCodeInvalidRequest, "empty batch", nil))
		return
	}

	responses := make([]*Response, 0, len(messages))
	for _, msg := range messages {
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			responses = append(responses, errorResponse(nil, ErrCodeParse, "parse error", err.Error()))
			continue
		}
		if isNotification(&req) {
			h.handleNotification(&req)
			continue
		}
		if resp, ok := h.checkHeaders(r, &req); !ok {
			responses = append(responses, resp)
			continue
		}
		responses = append(responses, h.dispatch(ctx, &req))
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeResponse(w, http.StatusOK, responses)
}

// checkHeaders enforces the protocol-version header and session validity on
// every request except the initialize handshake. The returned response is
// the JSON-RPC error to send when the check fails.
func (h *Handler) checkHeaders(r *http.Request, req *Request) (*Response, bool) {
	if req.Method == "initialize" {
		return nil, true
	}
	if r.Header.Get(headerProtocolVersion) == "" {
		return errorResponse(req.ID, ErrCodeInvalidRequest,
			fmt.Sprintf("missing %s header", headerProtocolVersion), nil), false
	}
	if sid := r.Header.Get(headerSessionID); sid != "" {
		if _, ok := h.sessions.Load(sid); !ok {
			return errorResponse(req.ID, ErrCodeInvalidRequest, "unknown session", nil), false
		}
	}
	return nil, true
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		http.Error(w, `{"error":"Mcp-Session-Id header required"}`, http.StatusBadRequest)
		return
	}
	if _, ok := h.sessions.LoadAndDelete(sid); !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	h.logger.Info("session terminated", map[string]interface{}{"session_id": sid})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleNotification(req *Request) {
	if req.Method == "notifications/initialized" {
		h.logger.Info("client initialized", nil)
		return
	}
	h.logger.Debug("notification received", map[string]interface{}{"method": req.Method})
}

func (h *Handler) dispatch(ctx context.Context, req *Request) *Response {
	result, rpcErr := h.route(ctx, req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (h *Handler) route(ctx context.Context, req *Request) (interface{}, *RPCError) {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req.Params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return &ToolsListResult{Tools: h.registry.List()}, nil
	case "tools/call":
		return h.handleToolsCall(ctx, req.Params)
	default:
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

func (h *Handler) handleInitialize(params json.RawMessage) (interface{}, *RPCError) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid initialize params", Data: err.Error()}
		}
	}

	h.logger.Info("client connecting", map[string]interface{}{
		"client":           initParams.ClientInfo.Name,
		"client_version":   initParams.ClientInfo.Version,
		"protocol_version": initParams.ProtocolVersion,
	})

	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ServerCapability{Tools: &ToolsCapability{}},
		ServerInfo:      h.info,
	}, nil
}

func (h *Handler) handleToolsCall(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var callParams ToolsCallParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid tools/call params", Data: err.Error()}
	}

	started := time.Now()
	result, err := h.registry.Call(ctx, callParams.Name, callParams.Arguments)
	h.metrics.RecordAPIOperation(callParams.Name, "call", err == nil, time.Since(started).Seconds())

	if err != nil {
		switch models.CodeOf(err) {
		case models.ErrCodeNotFound:
			return nil, &RPCError{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("tool not found: %s", callParams.Name),
			}
		case models.ErrCodeValidation:
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
		default:
			h.logger.Error("tool call failed", map[string]interface{}{
				"tool":  callParams.Name,
				"error": err.Error(),
			})
			return nil, &RPCError{Code: ErrCodeInternal, Message: "internal error"}
		}
	}
	return result, nil
}

func (h *Handler) createSession() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	id := hex.EncodeToString(b)
	h.sessions.Store(id, &session{id: id, createdAt: time.Now()})
	h.logger.Info("session created", map[string]interface{}{"session_id": id})
	return id
}

// SessionCount reports the number of live sessions; used by /health.
func (h *Handler) SessionCount() int {
	n := 0
	h.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (h *Handler) writeResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func errorResponse(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

func isNotification(req *Request) bool {
	return req.ID == nil || string(req.ID) == "null"
}
