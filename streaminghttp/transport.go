package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docbridge/docbridge/internal/engine"
	"github.com/docbridge/docbridge/internal/jsonrpc"
	"github.com/docbridge/docbridge/internal/logctx"
	"github.com/docbridge/docbridge/mcp"
	"github.com/docbridge/docbridge/sessions"
)

// ErrTransportClosed indicates an operation on a transport that has already
// reached its terminal state.
var ErrTransportClosed = errors.New("transport closed")

// eventBufferLimit caps the replay buffer of the notification stream. Events
// older than the cap cannot be resumed via Last-Event-ID.
const eventBufferLimit = 256

type transportState int

const (
	// stateUnbound: constructed, no session id assigned yet. Only the
	// handshake-initiation request is legal.
	stateUnbound transportState = iota
	// stateBound: session id assigned and registered; actively serving.
	stateBound
	// stateClosed: terminal. All further delegation is rejected.
	stateClosed
)

func (s transportState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBound:
		return "bound"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	_ sessions.Transport = (*sessionTransport)(nil)
	_ engine.Session     = (*sessionTransport)(nil)
)

type transportConfig struct {
	log               *slog.Logger
	newSessionID      func() string
	keepAliveInterval time.Duration

	// onReady registers the transport under its freshly assigned session id.
	// It fires exactly once, synchronously within the handshake response cycle.
	onReady func(id string, t *sessionTransport) error
	// onClose removes the transport's registry entry. It fires at most once,
	// and never after Close has completed.
	onClose func(id string)
}

// storedEvent is one outbound message with its stream sequence number.
type storedEvent struct {
	seq  uint64
	data []byte
}

// sessionTransport multiplexes one logical client connection over discrete
// HTTP requests. It owns the per-session protocol state: the handshake
// binding, the outbound notification buffer, and the correlation table for
// server-initiated requests.
type sessionTransport struct {
	log               *slog.Logger
	newSessionID      func() string
	keepAliveInterval time.Duration
	onReady           func(id string, t *sessionTransport) error
	onClose           func(id string)

	mu              sync.Mutex
	state           transportState
	id              string
	protocolVersion string
	clientInfo      sessions.ClientInfo
	eng             *engine.Engine

	events  []storedEvent
	nextSeq uint64
	notify  chan struct{}

	streamActive bool

	// pending correlates server-initiated requests (keep-alive pings) with
	// the client responses that arrive on later POSTs.
	pending map[string]time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func newSessionTransport(cfg transportConfig) *sessionTransport {
	log := cfg.log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &sessionTransport{
		log:               log,
		newSessionID:      cfg.newSessionID,
		keepAliveInterval: cfg.keepAliveInterval,
		onReady:           cfg.onReady,
		onClose:           cfg.onClose,
		nextSeq:           1,
		notify:            make(chan struct{}, 1),
		pending:           make(map[string]time.Time),
		closed:            make(chan struct{}),
	}
}

// Bind attaches the shared protocol engine. A transport is bound exactly once
// at creation; binding twice is a programming error.
func (t *sessionTransport) Bind(eng *engine.Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eng != nil {
		panic("sessionTransport: engine already bound")
	}
	t.eng = eng
}

func (t *sessionTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *sessionTransport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

func (t *sessionTransport) currentState() transportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// WriteMessage queues msg on the notification stream buffer and wakes any
// attached GET stream.
func (t *sessionTransport) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	ev := storedEvent{seq: t.nextSeq, data: msg}
	t.nextSeq++
	t.events = append(t.events, ev)
	if len(t.events) > eventBufferLimit {
		t.events = t.events[len(t.events)-eventBufferLimit:]
	}
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

// eventsAfter returns a copy of buffered events with seq > after.
func (t *sessionTransport) eventsAfter(after uint64) []storedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []storedEvent
	for _, ev := range t.events {
		if ev.seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// Close transitions the transport to its terminal state, releases the
// notification stream, and fires the removal callback. It is idempotent; no
// callbacks fire after the first Close completes.
func (t *sessionTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = stateClosed
		id := t.id
		for k := range t.pending {
			delete(t.pending, k)
		}
		t.mu.Unlock()

		close(t.closed)

		if t.onClose != nil && id != "" {
			t.onClose(id)
		}
		t.log.InfoContext(ctx, "transport.closed", slog.String("session_id", id))
	})
	return nil
}

// HandlePost consumes one decoded client-to-server message and writes the
// HTTP response for it.
func (t *sessionTransport) HandlePost(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	ctx := r.Context()

	switch t.currentState() {
	case stateClosed:
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "session not found")
		return
	case stateUnbound:
		if msg.Kind() != jsonrpc.KindHandshakeInit {
			writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "no valid session ID provided")
			return
		}
		t.handleInitialize(w, r, msg)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       t.SessionID(),
		ProtocolVersion: t.ProtocolVersion(),
		State:           t.currentState().String(),
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != t.ProtocolVersion() {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "protocol version mismatch")
		t.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if req := msg.AsRequest(); req != nil {
		if req.ID.IsNil() {
			if err := t.eng.HandleNotification(ctx, t, req); err != nil {
				writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal server error")
				t.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
				return
			}
			w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
			w.WriteHeader(http.StatusAccepted)
			return
		}

		res, err := t.eng.HandleRequest(ctx, t, req)
		if err != nil {
			t.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}

		w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			t.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		}
		return
	}

	if res := msg.AsResponse(); res != nil {
		t.fulfill(ctx, res)
		w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "unrecognized JSON-RPC message")
}

// handleInitialize performs the handshake: it negotiates the protocol
// version, assigns the session id, and registers the transport — all within
// this response cycle, so the client's next request can already carry the
// returned session id.
func (t *sessionTransport) handleInitialize(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	ctx := r.Context()
	req := msg.AsRequest()

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
		t.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	initRes, err := t.eng.Initialize(ctx, &initReq)
	if err != nil {
		writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to initialize session")
		t.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	id := t.newSessionID()

	t.mu.Lock()
	t.id = id
	t.protocolVersion = initRes.ProtocolVersion
	t.clientInfo = sessions.ClientInfo{Name: initReq.ClientInfo.Name, Version: initReq.ClientInfo.Version}
	t.state = stateBound
	t.mu.Unlock()

	if err := t.onReady(id, t); err != nil {
		t.mu.Lock()
		t.state = stateClosed
		t.mu.Unlock()
		writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to establish session")
		t.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, ProtocolVersion: initRes.ProtocolVersion, State: stateBound.String()})

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to encode initialize response")
		t.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, id)
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	t.log.InfoContext(ctx, "session.initialize.ok")
}

// HandleGet attaches the notification stream. At most one stream may be open
// per session; the stream stays open until the client disconnects or the
// transport closes.
func (t *sessionTransport) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	t.mu.Lock()
	if t.state != stateBound {
		t.mu.Unlock()
		http.Error(w, invalidSessionBody, http.StatusBadRequest)
		return
	}
	if t.streamActive {
		t.mu.Unlock()
		http.Error(w, "notification stream already open", http.StatusConflict)
		t.log.WarnContext(ctx, "sse.stream.duplicate")
		return
	}
	t.streamActive = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.streamActive = false
		t.mu.Unlock()
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       t.SessionID(),
		ProtocolVersion: t.ProtocolVersion(),
		State:           stateBound.String(),
	})

	var last uint64
	if lev := r.Header.Get(lastEventIDHeader); lev != "" {
		if n, err := strconv.ParseUint(lev, 10, 64); err == nil {
			last = n
		}
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	t.log.InfoContext(ctx, "sse.stream.start", slog.Uint64("last_event_id", last))

	var keepAlive <-chan time.Time
	if t.keepAliveInterval > 0 {
		ticker := time.NewTicker(t.keepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		for _, ev := range t.eventsAfter(last) {
			if err := writeSSEEvent(wf, strconv.FormatUint(ev.seq, 10), ev.data); err != nil {
				t.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			last = ev.seq
		}

		select {
		case <-ctx.Done():
			t.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-t.closed:
			t.log.InfoContext(ctx, "sse.stream.closed")
			return
		case <-t.notify:
		case <-keepAlive:
			t.sendKeepAlive(ctx)
		}
	}
}

// HandleDelete terminates the session explicitly.
func (t *sessionTransport) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if t.currentState() != stateBound {
		http.Error(w, invalidSessionBody, http.StatusBadRequest)
		return
	}

	pv := t.ProtocolVersion()
	if err := t.Close(ctx); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendKeepAlive queues a server-initiated ping on the notification stream and
// records it in the correlation table. Only the most recent ping is tracked;
// an unanswered predecessor is dropped.
func (t *sessionTransport) sendKeepAlive(ctx context.Context) {
	t.mu.Lock()
	if t.state != stateBound {
		t.mu.Unlock()
		return
	}
	pingID := fmt.Sprintf("srv-ping-%d", t.nextSeq)
	for k := range t.pending {
		delete(t.pending, k)
	}
	t.pending[pingID] = time.Now()
	t.mu.Unlock()

	req := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.PingMethod),
		ID:             jsonrpc.NewRequestID(pingID),
	}
	b, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := t.WriteMessage(ctx, b); err != nil {
		t.log.WarnContext(ctx, "sse.ping.fail", slog.String("err", err.Error()))
	}
}

// fulfill resolves a client response against the correlation table.
func (t *sessionTransport) fulfill(ctx context.Context, res *jsonrpc.Response) {
	key := res.ID.String()

	t.mu.Lock()
	sent, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		t.log.DebugContext(ctx, "response.unmatched", slog.String("id", key))
		return
	}
	t.log.DebugContext(ctx, "sse.ping.ok", slog.Duration("rtt", time.Since(sent)))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
