// Package engine implements the protocol-level request dispatch shared by all
// sessions. One Engine instance serves the whole process; each transport is
// bound to it at creation and hands it decoded JSON-RPC messages.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docbridge/docbridge/internal/jsonrpc"
	"github.com/docbridge/docbridge/internal/logctx"
	"github.com/docbridge/docbridge/mcp"
	"github.com/docbridge/docbridge/mcpservice"
	"github.com/docbridge/docbridge/sessions"
)

// Session is the engine-facing view of a transport: the negotiated session
// plus the ability to push a message onto its notification stream.
type Session interface {
	sessions.Session

	// WriteMessage queues msg for delivery on the session's notification
	// stream. Delivery is asynchronous; the message is buffered until a
	// stream consumes it or the session closes.
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the slog logger used by the engine. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine answers the initialize handshake and dispatches per-session protocol
// requests against the server's capabilities.
type Engine struct {
	server mcpservice.ServerCapabilities
	log    *slog.Logger
}

// NewEngine constructs an Engine over the given server capabilities.
func NewEngine(server mcpservice.ServerCapabilities, opts ...Option) *Engine {
	e := &Engine{
		server: server,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// negotiateProtocolVersion returns the client's requested version when the
// server supports it, otherwise the latest supported version.
func negotiateProtocolVersion(requested string) string {
	for _, v := range mcp.SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return mcp.LatestProtocolVersion
}

// Initialize computes the handshake result for a new session. The transport
// assigns the session id; the engine only negotiates version and advertises
// capabilities.
func (e *Engine) Initialize(ctx context.Context, req *mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if req == nil {
		return nil, fmt.Errorf("nil initialize request")
	}

	caps := mcp.ServerCapabilities{
		Logging: &struct{}{},
	}
	if _, ok := e.server.GetTools(); ok {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: false}
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: negotiateProtocolVersion(req.ProtocolVersion),
		Capabilities:    caps,
		ServerInfo:      e.server.GetServerInfo(),
	}
	if instr, ok := e.server.GetInstructions(); ok {
		res.Instructions = instr
	}

	e.log.InfoContext(ctx, "engine.initialize",
		slog.String("client_name", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version),
		slog.String("requested_version", req.ProtocolVersion),
		slog.String("negotiated_version", res.ProtocolVersion))

	return res, nil
}

// HandleRequest dispatches a request for an established session and returns
// the response to frame back to the client. It never returns a nil response
// alongside a nil error.
func (e *Engine) HandleRequest(ctx context.Context, sess Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req == nil || req.ID.IsNil() {
		return nil, fmt.Errorf("not a request message")
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		// A bound session can never re-initialize.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil

	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})

	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, sess, req)

	case mcp.ToolsCallMethod:
		return e.handleToolsCall(ctx, sess, req)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), nil
	}
}

func (e *Engine) handleToolsList(ctx context.Context, sess Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	tc, ok := e.server.GetTools()
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	var listReq mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &listReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/list params", nil), nil
		}
	}

	tools, err := tc.ListTools(ctx, sess)
	if err != nil {
		e.log.ErrorContext(ctx, "tools.list.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil), nil
	}

	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleToolsCall(ctx context.Context, sess Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	tc, ok := e.server.GetTools()
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	var callReq mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &callReq); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: callReq.Name})

	if callReq.Meta != nil && callReq.Meta.ProgressToken != nil {
		ctx = mcpservice.WithProgressReporter(ctx, &progressWriter{
			sess:  sess,
			token: callReq.Meta.ProgressToken,
			log:   e.log,
		})
	}

	res, err := tc.CallTool(ctx, sess, &callReq)
	if err != nil {
		if errors.Is(err, mcpservice.ErrToolNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
		}
		e.log.ErrorContext(ctx, "tools.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil), nil
	}

	e.log.InfoContext(ctx, "tools.call.ok", slog.Bool("is_error", res.IsError))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification consumes a client notification. Notifications never
// produce responses; unknown ones are logged and dropped.
func (e *Engine) HandleNotification(ctx context.Context, sess Session, req *jsonrpc.Request) error {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "session.open")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err == nil {
			e.log.InfoContext(ctx, "request.cancelled",
				slog.String("request_id", params.RequestID),
				slog.String("reason", params.Reason))
		}
	default:
		e.log.DebugContext(ctx, "notification.ignored", slog.String("method", req.Method))
	}
	return nil
}

// progressWriter emits notifications/progress over the session stream.
type progressWriter struct {
	sess  Session
	token mcp.ProgressToken
	log   *slog.Logger
}

func (p *progressWriter) Report(ctx context.Context, progress, total float64, message string) error {
	params := mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Message:       message,
	}
	if total > 0 {
		params.Total = total
	}
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	n := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ProgressNotificationMethod),
		Params:         b,
	}
	msg, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := p.sess.WriteMessage(ctx, msg); err != nil {
		p.log.WarnContext(ctx, "progress.write.fail", slog.String("err", err.Error()))
		return err
	}
	return nil
}
