package streaminghttp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/docbridge/docbridge/internal/engine"
	"github.com/docbridge/docbridge/internal/jsonrpc"
	"github.com/docbridge/docbridge/internal/logctx"
	"github.com/docbridge/docbridge/mcpservice"
	"github.com/docbridge/docbridge/sessions"
)

var _ http.Handler = (*StreamingHTTPHandler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	// invalidSessionBody is the plain-text body for GET/DELETE session
	// routing failures.
	invalidSessionBody = "Invalid or missing session ID"
)

// errorEnvelope is the transport-level protocol error shape. The id member is
// always serialized (as null): the envelope answers a message the server
// could not attribute to any request.
type errorEnvelope struct {
	JSONRPCVersion string        `json:"jsonrpc"`
	Error          jsonrpc.Error `json:"error"`
	ID             any           `json:"id"`
}

// writeProtocolError emits a structured JSON-RPC error envelope for routing
// failures that happen before (or instead of) a message exchange.
func writeProtocolError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Error:          jsonrpc.Error{Code: code, Message: msg},
		ID:             nil,
	})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	sessionIDFn       func() string
	keepAliveInterval time.Duration
}

// WithLogger sets the slog handler used by the server. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithSessionIDGenerator overrides how session identifiers are minted. The
// generator must produce globally unique, unpredictable strings; the default
// is a random 128-bit UUID.
func WithSessionIDGenerator(fn func() string) Option {
	return func(c *newConfig) { c.sessionIDFn = fn }
}

// WithKeepAliveInterval sets the interval between keep-alive pings sent on an
// open notification stream. Zero or negative disables keep-alives.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAliveInterval = d }
}

// StreamingHTTPHandler routes the three verbs of the streamable HTTP
// transport to per-session transports, minting sessions on a valid
// handshake-initiation POST and tearing them down on DELETE or close.
type StreamingHTTPHandler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	registry *sessions.Registry
	eng      *engine.Engine

	sessionIDFn       func() string
	keepAliveInterval time.Duration
}

// New constructs a StreamingHTTPHandler serving the MCP endpoint at
// endpointPath (e.g. "/mcp"). The registry owns session lifecycle; the server
// capabilities describe what the protocol engine exposes.
func New(endpointPath string, registry *sessions.Registry, server mcpservice.ServerCapabilities, opts ...Option) (*StreamingHTTPHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if !strings.HasPrefix(endpointPath, "/") {
		return nil, fmt.Errorf("invalid endpoint path %q", endpointPath)
	}

	cfg := &newConfig{
		logger:            slog.New(slog.DiscardHandler),
		sessionIDFn:       uuid.NewString,
		keepAliveInterval: 25 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &StreamingHTTPHandler{
		log:               log,
		registry:          registry,
		sessionIDFn:       cfg.sessionIDFn,
		keepAliveInterval: cfg.keepAliveInterval,
	}
	h.eng = engine.NewEngine(server, engine.WithLogger(log))

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", endpointPath), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpointPath), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpointPath), h.handleDeleteMCP)
	h.mux = mux

	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP handles POST requests: client-to-server messages, including
// the handshake-initiation message that mints a new session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeProtocolError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   msg.Kind().String(),
	})
	r = r.WithContext(ctx)

	// A session header always takes the reuse branch, even when the body is a
	// handshake-initiation message: re-initiation of a live session is
	// rejected explicitly rather than silently honored.
	if sessID := r.Header.Get(mcpSessionIDHeader); sessID != "" {
		st, ok := h.lookupTransport(sessID)
		if !ok {
			writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}

		if msg.Kind() == jsonrpc.KindHandshakeInit {
			writeProtocolError(w, http.StatusConflict, jsonrpc.ErrorCodeSessionError, "session already initialized")
			h.log.WarnContext(ctx, "session.initialize.redundant")
			return
		}

		st.HandlePost(w, r, &msg)
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// No session header: only a handshake-initiation message may create one.
	if msg.Kind() != jsonrpc.KindHandshakeInit {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "no valid session ID provided")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	st := newSessionTransport(transportConfig{
		log:               h.log,
		newSessionID:      h.sessionIDFn,
		keepAliveInterval: h.keepAliveInterval,
		onReady: func(id string, t *sessionTransport) error {
			return h.registry.Create(id, t)
		},
		onClose: func(id string) {
			h.registry.Remove(id)
		},
	})
	st.Bind(h.eng)

	st.HandlePost(w, r, &msg)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP handles GET requests: the long-lived notification stream for
// an established session.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		http.Error(w, invalidSessionBody, http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	st, ok := h.lookupTransport(sessID)
	if !ok {
		http.Error(w, invalidSessionBody, http.StatusBadRequest)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	st.HandleGet(w, r)
}

// handleDeleteMCP handles DELETE requests: explicit session termination.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		http.Error(w, invalidSessionBody, http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	st, ok := h.lookupTransport(sessID)
	if !ok {
		http.Error(w, invalidSessionBody, http.StatusBadRequest)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	st.HandleDelete(w, r)
	h.log.InfoContext(ctx, "http.delete.ok")
}

// lookupTransport resolves a session id to its concrete transport. The
// registry only ever holds transports this handler created.
func (h *StreamingHTTPHandler) lookupTransport(sessID string) (*sessionTransport, bool) {
	t, ok := h.registry.Lookup(sessID)
	if !ok {
		return nil, false
	}
	st, ok := t.(*sessionTransport)
	return st, ok
}
