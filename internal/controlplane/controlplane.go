// Package controlplane exposes the bridge's remote operations over a
// small HTTP JSON-RPC-style surface: senders for the notification types
// spec.md §6 names, read access to recorded responses, and process
// lifecycle control. It is the teacher's tools.Registry/mcp envelope,
// generalized from "agent tool" to "remote operation."
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/bridgekeeper/internal/eventmodel"
	"github.com/nugget/bridgekeeper/internal/integrity"
	"github.com/nugget/bridgekeeper/internal/responsestore"
)

// jsonrpcVersion mirrors the teacher's mcp package constant.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result or
// Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Operation is one callable remote operation.
type Operation struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, params json.RawMessage) (any, error)
}

// Dispatcher is the subset of dispatcher.Dispatcher the control plane
// needs to submit events, kept as an interface so this package doesn't
// import the dispatcher package directly.
type Dispatcher interface {
	Submit(ctx context.Context, e eventmodel.Event) SubmitResult
}

// SubmitResult mirrors dispatcher.SubmitResult's shape.
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// Lifecycle is the subset of the supervisor the control plane needs for
// start/stop/restart/ensure_running and status reporting.
type Lifecycle interface {
	Status() BridgeStatus
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	EnsureRunning(ctx context.Context) error
}

// BridgeStatus is what get_bridge_status returns.
type BridgeStatus struct {
	Running      bool   `json:"running"`
	QueueDepth   int    `json:"queue_depth"`
	ResponseRate int    `json:"response_count"`
	UptimeSec    int64  `json:"uptime_seconds"`
	LastError    string `json:"last_error,omitempty"`
}

// Registry holds available operations.
type Registry struct {
	ops        map[string]*Operation
	dispatcher Dispatcher
	store      *responsestore.Store
	lifecycle  Lifecycle
	logger     *slog.Logger
}

// NewEmptyRegistry creates a registry with no built-in operations, for
// tests that register operations manually.
func NewEmptyRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// NewRegistry creates a registry with the full built-in operation set,
// wired to its three collaborators.
func NewRegistry(dispatcher Dispatcher, store *responsestore.Store, lifecycle Lifecycle, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		ops:        make(map[string]*Operation),
		dispatcher: dispatcher,
		store:      store,
		lifecycle:  lifecycle,
		logger:     logger,
	}
	r.registerSenders()
	r.registerResponses()
	r.registerLifecycle()
	return r
}

// Register adds op to the registry, overwriting any existing operation
// with the same name.
func (r *Registry) Register(op *Operation) {
	r.ops[op.Name] = op
}

// Get looks up an operation by name.
func (r *Registry) Get(name string) (*Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// List returns operation metadata (name/description/parameters), for
// discovery endpoints. Handlers are never exposed.
func (r *Registry) List() []map[string]any {
	out := make([]map[string]any, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, map[string]any{
			"name":        op.Name,
			"description": op.Description,
			"parameters":  op.Parameters,
		})
	}
	return out
}

// Dispatch invokes the named operation and returns its JSON-RPC
// response. ID is echoed back verbatim per the protocol.
func (r *Registry) Dispatch(ctx context.Context, req Request) Response {
	op, ok := r.ops[req.Method]
	if !ok {
		return Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}}
	}

	result, err := op.Handler(ctx, req.Params)
	if err != nil {
		r.logger.Warn("controlplane: operation failed", "method", req.Method, "error", err)
		return Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: &RPCError{Code: codeInvalidParams, Message: err.Error()}}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "marshal result: " + err.Error()}}
	}
	return Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: raw}
}

// baseSendParams is shared by every send_* operation's parameter shape.
type baseSendParams struct {
	Source         string         `json:"source"`
	CorrelationKey string         `json:"correlation_key"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Data           map[string]any `json:"data,omitempty"`
}

func (r *Registry) registerSenders() {
	r.Register(&Operation{
		Name:        "send_notification",
		Description: "Submit a generic informational notification for delivery.",
		Parameters:  sendParamsSchema(),
		Handler:     r.handleSend(eventmodel.InfoNotification),
	})
	r.Register(&Operation{
		Name:        "send_event",
		Description: "Submit a development-lifecycle event of any recognized type for delivery.",
		Parameters:  eventParamsSchema(),
		Handler:     r.handleSendEvent,
	})
	r.Register(&Operation{
		Name:        "send_task_completion",
		Description: "Submit a task completion notification with an acknowledge button.",
		Parameters:  sendParamsSchema(),
		Handler:     r.handleSend(eventmodel.TaskCompletion),
	})
	r.Register(&Operation{
		Name:        "send_approval_request",
		Description: "Submit an approval request with approve/deny buttons.",
		Parameters:  sendParamsSchema(),
		Handler:     r.handleSend(eventmodel.ApprovalRequest),
	})
	r.Register(&Operation{
		Name:        "send_performance_alert",
		Description: "Submit a performance alert notification with an acknowledge button.",
		Parameters:  sendParamsSchema(),
		Handler:     r.handleSend(eventmodel.PerformanceAlert),
	})
}

func sendParamsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source":          map[string]any{"type": "string"},
			"correlation_key": map[string]any{"type": "string"},
			"title":           map[string]any{"type": "string"},
			"description":     map[string]any{"type": "string"},
			"data":            map[string]any{"type": "object"},
		},
		"required": []string{"source", "title"},
	}
}

func eventParamsSchema() map[string]any {
	schema := sendParamsSchema()
	props := schema["properties"].(map[string]any)
	props["event_type"] = map[string]any{"type": "string"}
	schema["required"] = []string{"source", "title", "event_type"}
	return schema
}

func (r *Registry) handleSend(eventType eventmodel.Type) func(ctx context.Context, params json.RawMessage) (any, error) {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p baseSendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return r.submit(ctx, eventType, p)
	}
}

func (r *Registry) handleSendEvent(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		baseSendParams
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	eventType := eventmodel.Type(p.EventType)
	if !eventType.Valid() {
		return nil, fmt.Errorf("unknown event_type: %q", p.EventType)
	}
	return r.submit(ctx, eventType, p.baseSendParams)
}

type sendResult struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (r *Registry) submit(ctx context.Context, eventType eventmodel.Type, p baseSendParams) (any, error) {
	e := eventmodel.Event{
		EventType:      eventType,
		CorrelationKey: p.CorrelationKey,
		Source:         p.Source,
		Title:          p.Title,
		Description:    p.Description,
		Data:           p.Data,
		Timestamp:      time.Now().UTC(),
		Priority:       -1, // sentinel: let Normalize apply the event type's default priority
	}
	e = e.Normalize(time.Now().UTC())
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e = e.Sanitized()

	if r.dispatcher == nil {
		return nil, fmt.Errorf("dispatcher not wired")
	}
	result := r.dispatcher.Submit(ctx, e)
	return sendResult{Accepted: result.Accepted, EventID: e.EventID, Reason: result.Reason}, nil
}

func (r *Registry) registerResponses() {
	r.Register(&Operation{
		Name:        "get_responses",
		Description: "List the most recently recorded chat responses.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"limit": map[string]any{"type": "integer"}},
		},
		Handler: r.handleGetResponses,
	})
	r.Register(&Operation{
		Name:        "process_pending_responses",
		Description: "Return all recorded responses for the caller's own bookkeeping (idempotent read; nothing is marked, as the store has no processed flag).",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     r.handleProcessPending,
	})
	r.Register(&Operation{
		Name:        "clear_old_responses",
		Description: "Purge responses received before the given RFC3339 timestamp.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"older_than": map[string]any{"type": "string", "format": "date-time"}},
			"required":   []string{"older_than"},
		},
		Handler: r.handleClearOldResponses,
	})
	r.Register(&Operation{
		Name:        "get_bridge_status",
		Description: "Report whether the bridge is running, its queue depth, and uptime.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     r.handleGetBridgeStatus,
	})
}

func (r *Registry) handleGetResponses(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	if r.store == nil {
		return nil, fmt.Errorf("response store not wired")
	}
	return r.store.List(p.Limit)
}

func (r *Registry) handleProcessPending(ctx context.Context, params json.RawMessage) (any, error) {
	if r.store == nil {
		return nil, fmt.Errorf("response store not wired")
	}
	return r.store.List(0)
}

func (r *Registry) handleClearOldResponses(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		OlderThan time.Time `json:"older_than"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if r.store == nil {
		return nil, fmt.Errorf("response store not wired")
	}
	purged, err := r.store.PurgeOlderThan(p.OlderThan)
	if err != nil {
		return nil, err
	}
	return map[string]any{"purged": purged}, nil
}

func (r *Registry) handleGetBridgeStatus(ctx context.Context, params json.RawMessage) (any, error) {
	if r.lifecycle == nil {
		return nil, fmt.Errorf("lifecycle not wired")
	}
	return r.lifecycle.Status(), nil
}

func (r *Registry) registerLifecycle() {
	r.Register(&Operation{
		Name:        "stop",
		Description: "Gracefully stop the bridge.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     r.handleStop,
	})
	r.Register(&Operation{
		Name:        "restart",
		Description: "Restart the bridge in place.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     r.handleRestart,
	})
	r.Register(&Operation{
		Name:        "start",
		Description: "Ensure the bridge is running, starting it if needed.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     r.handleEnsureRunning,
	})
	r.Register(&Operation{
		Name:        "ensure_running",
		Description: "Ensure the bridge is running, starting it if needed.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     r.handleEnsureRunning,
	})
}

func (r *Registry) handleStop(ctx context.Context, params json.RawMessage) (any, error) {
	if r.lifecycle == nil {
		return nil, fmt.Errorf("lifecycle not wired")
	}
	if err := r.lifecycle.Stop(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"stopped": true}, nil
}

func (r *Registry) handleRestart(ctx context.Context, params json.RawMessage) (any, error) {
	if r.lifecycle == nil {
		return nil, fmt.Errorf("lifecycle not wired")
	}
	if err := r.lifecycle.Restart(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"restarted": true}, nil
}

func (r *Registry) handleEnsureRunning(ctx context.Context, params json.RawMessage) (any, error) {
	if r.lifecycle == nil {
		return nil, fmt.Errorf("lifecycle not wired")
	}
	if err := r.lifecycle.EnsureRunning(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"running": true}, nil
}

// AuthConfig configures the HTTP handler's auth requirements.
type AuthConfig struct {
	APIKeys    []string
	HMACSecret string
	Validator  *integrity.Validator
}

func (a AuthConfig) keyAllowed(key string) bool {
	if len(a.APIKeys) == 0 {
		return true
	}
	for _, k := range a.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// NewHTTPHandler builds the http.Handler serving the control plane's
// single JSON-RPC endpoint plus a discovery endpoint listing operations.
func NewHTTPHandler(reg *Registry, auth AuthConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /control/rpc", func(w http.ResponseWriter, r *http.Request) {
		handleRPC(w, r, reg, auth, logger)
	})
	mux.HandleFunc("GET /control/operations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reg.List())
	})
	return mux
}

func handleRPC(w http.ResponseWriter, r *http.Request, reg *Registry, auth AuthConfig, logger *slog.Logger) {
	apiKey := r.Header.Get("X-Api-Key")
	if !auth.keyAllowed(apiKey) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodyBytes))
	r.Body.Close()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: codeParseError, Message: err.Error()}})
		return
	}

	if auth.HMACSecret != "" && auth.Validator != nil {
		sig := r.Header.Get("X-Signature")
		meta := integrity.Metadata{ContentHash: integrity.Hash(body), ContentSize: len(body), Signature: sig}
		if res := auth.Validator.Verify(body, meta); !res.Valid {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "signature verification failed: " + string(res.Reason)})
			return
		}
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: codeInvalidRequest, Message: err.Error()}})
		return
	}

	resp := reg.Dispatch(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debug("controlplane: failed to write response body", "error", err)
	}
}

// maxRPCBodyBytes bounds a control-plane request body.
const maxRPCBodyBytes = 1 << 20
