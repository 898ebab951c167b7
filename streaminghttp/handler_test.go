package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docbridge/docbridge/internal/jsonrpc"
	"github.com/docbridge/docbridge/mcp"
	"github.com/docbridge/docbridge/mcpservice"
	"github.com/docbridge/docbridge/sessions"
)

type echoArgs struct {
	Value string `json:"value"`
}

func newTestCapabilities() mcpservice.ServerCapabilities {
	echo := mcpservice.NewTool("echo", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		if rep, ok := mcpservice.ProgressReporterFromContext(ctx); ok {
			_ = rep.Report(ctx, 1, 1, "echoed")
		}
		return mcpservice.TextResult("echo:" + args.Value), nil
	}, mcpservice.WithToolDescription("Echoes its input."))

	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(echo)),
	)
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *sessions.Registry) {
	t.Helper()
	registry := sessions.NewRegistry(nil)
	h, err := New("/mcp", registry, newTestCapabilities(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, registry
}

func postJSON(t *testing.T, url, sessID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	return res
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`

// initializeSession performs the handshake and returns the minted session id.
func initializeSession(t *testing.T, url string) string {
	t.Helper()
	res := postJSON(t, url, "", initializeBody)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", res.StatusCode)
	}
	sessID := res.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize response missing Mcp-Session-Id header")
	}

	var rpc struct {
		Result *mcp.InitializeResult `json:"result"`
		Error  *jsonrpc.Error        `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode initialize response: %v", err)
	}
	if rpc.Error != nil {
		t.Fatalf("initialize error: %+v", rpc.Error)
	}
	if rpc.Result.ProtocolVersion != "2025-06-18" {
		t.Errorf("negotiated version = %q", rpc.Result.ProtocolVersion)
	}
	return sessID
}

// mustEnvelope asserts the body is the structured protocol error envelope
// with a null id and the given code.
func mustEnvelope(t *testing.T, res *http.Response, wantCode jsonrpc.ErrorCode) {
	t.Helper()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("envelope is not JSON: %v\n%s", err, body)
	}
	if string(env["jsonrpc"]) != `"2.0"` {
		t.Errorf("jsonrpc member = %s", env["jsonrpc"])
	}
	idRaw, ok := env["id"]
	if !ok || string(idRaw) != "null" {
		t.Errorf("id member = %s, want explicit null", idRaw)
	}
	var e jsonrpc.Error
	if err := json.Unmarshal(env["error"], &e); err != nil {
		t.Fatalf("error member: %v", err)
	}
	if e.Code != wantCode {
		t.Errorf("error code = %d, want %d", e.Code, wantCode)
	}
}

func TestHandshakeCreatesSessions(t *testing.T) {
	srv, registry := newTestServer(t)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id := initializeSession(t, srv.URL)
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
	if registry.Len() != 5 {
		t.Errorf("registry has %d sessions, want 5", registry.Len())
	}
}

func TestPostRoutesToExistingSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	res := postJSON(t, srv.URL, sessID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}

	var rpc struct {
		Result json.RawMessage `json:"result"`
		Error  *jsonrpc.Error  `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpc.Error != nil {
		t.Fatalf("ping error: %+v", rpc.Error)
	}
}

func TestUnknownSessionPost(t *testing.T) {
	srv, registry := newTestServer(t)

	res := postJSON(t, srv.URL, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	mustEnvelope(t, res, jsonrpc.ErrorCodeSessionError)

	if registry.Len() != 0 {
		t.Error("unknown session POST must not create registry entries")
	}
}

func TestPostWithoutSessionRequiresHandshake(t *testing.T) {
	srv, registry := newTestServer(t)

	res := postJSON(t, srv.URL, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	mustEnvelope(t, res, jsonrpc.ErrorCodeSessionError)

	if registry.Len() != 0 {
		t.Error("no session must be created")
	}
}

func TestReinitializeOnLiveSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	res := postJSON(t, srv.URL, sessID, initializeBody)
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", res.StatusCode)
	}
	mustEnvelope(t, res, jsonrpc.ErrorCodeSessionError)
}

func TestBatchArraysRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	res := postJSON(t, srv.URL, "", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	mustEnvelope(t, res, jsonrpc.ErrorCodeInvalidRequest)
}

func TestUnsupportedContentType(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(initializeBody))
	req.Header.Set("Content-Type", "text/plain")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", res.StatusCode)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	srv, registry := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", res.StatusCode)
	}
	if registry.Len() != 0 {
		t.Error("registry entry must be removed on DELETE")
	}

	// The id is now unknown to every verb.
	pres := postJSON(t, srv.URL, sessID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	defer pres.Body.Close()
	if pres.StatusCode != http.StatusBadRequest {
		t.Errorf("POST after DELETE status = %d, want 400", pres.StatusCode)
	}

	greq, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	greq.Header.Set("Accept", "text/event-stream")
	greq.Header.Set("Mcp-Session-Id", sessID)
	gres, err := http.DefaultClient.Do(greq)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer gres.Body.Close()
	if gres.StatusCode != http.StatusBadRequest {
		t.Errorf("GET after DELETE status = %d, want 400", gres.StatusCode)
	}
	body, _ := io.ReadAll(gres.Body)
	if got := strings.TrimSpace(string(body)); got != "Invalid or missing session ID" {
		t.Errorf("GET body = %q", got)
	}
}

func TestDeleteUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", "no-such-session")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if got := strings.TrimSpace(string(body)); got != "Invalid or missing session ID" {
		t.Errorf("body = %q", got)
	}
}

type sseEvent struct {
	id   string
	data string
}

func readSSEEvent(t *testing.T, br *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE frame: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if ev.data != "" {
				return ev
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "id: "); ok {
			ev.id = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			ev.data = v
		}
	}
}

func openStream(t *testing.T, url, sessID, lastEventID string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	return res
}

func TestNotificationStreamDeliversProgress(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	// A tools/call carrying a progress token buffers a progress notification
	// for the stream.
	call := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"value":"hi"},"_meta":{"progressToken":"pt-1"}}}`
	cres := postJSON(t, srv.URL, sessID, call)
	defer cres.Body.Close()
	if cres.StatusCode != http.StatusOK {
		t.Fatalf("tools/call status = %d", cres.StatusCode)
	}
	var rpc struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *jsonrpc.Error      `json:"error"`
	}
	if err := json.NewDecoder(cres.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode tools/call response: %v", err)
	}
	if rpc.Error != nil {
		t.Fatalf("tools/call error: %+v", rpc.Error)
	}
	if got := rpc.Result.Content[0].Text; got != "echo:hi" {
		t.Errorf("tool result = %q", got)
	}

	gres := openStream(t, srv.URL, sessID, "")
	defer gres.Body.Close()
	if gres.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", gres.StatusCode)
	}
	if ct := gres.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("stream Content-Type = %q", ct)
	}

	ev := readSSEEvent(t, bufio.NewReader(gres.Body))
	if ev.id != "1" {
		t.Errorf("event id = %q, want %q", ev.id, "1")
	}
	var note struct {
		Method string `json:"method"`
		Params struct {
			ProgressToken string  `json:"progressToken"`
			Progress      float64 `json:"progress"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(ev.data), &note); err != nil {
		t.Fatalf("decode notification: %v\n%s", err, ev.data)
	}
	if note.Method != "notifications/progress" {
		t.Errorf("method = %q", note.Method)
	}
	if note.Params.ProgressToken != "pt-1" {
		t.Errorf("progressToken = %q", note.Params.ProgressToken)
	}
}

func TestNotificationStreamResume(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	for i := 0; i < 2; i++ {
		call := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"echo","arguments":{"value":"v"},"_meta":{"progressToken":"pt"}}}`, 10+i)
		res := postJSON(t, srv.URL, sessID, call)
		res.Body.Close()
	}

	// Resuming after event 1 must deliver only event 2.
	gres := openStream(t, srv.URL, sessID, "1")
	defer gres.Body.Close()
	ev := readSSEEvent(t, bufio.NewReader(gres.Body))
	if ev.id != "2" {
		t.Errorf("resumed event id = %q, want %q", ev.id, "2")
	}
}

func TestSecondStreamConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	first := openStream(t, srv.URL, sessID, "")
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d", first.StatusCode)
	}

	second := openStream(t, srv.URL, sessID, "")
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second stream status = %d, want 409", second.StatusCode)
	}
}

func TestDeleteClosesOpenStream(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	gres := openStream(t, srv.URL, sessID, "")
	defer gres.Body.Close()
	if gres.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", gres.StatusCode)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, gres.Body)
		done <- err
	}()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	dres, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	dres.Body.Close()

	select {
	case <-done:
		// Stream released.
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after DELETE")
	}
}

func TestKeepAlivePingRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, WithKeepAliveInterval(20*time.Millisecond))
	sessID := initializeSession(t, srv.URL)

	gres := openStream(t, srv.URL, sessID, "")
	defer gres.Body.Close()
	if gres.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", gres.StatusCode)
	}

	ev := readSSEEvent(t, bufio.NewReader(gres.Body))
	var ping struct {
		Method string `json:"method"`
		ID     any    `json:"id"`
	}
	if err := json.Unmarshal([]byte(ev.data), &ping); err != nil {
		t.Fatalf("decode ping: %v\n%s", err, ev.data)
	}
	if ping.Method != "ping" {
		t.Fatalf("stream message method = %q, want ping", ping.Method)
	}
	id, ok := ping.ID.(string)
	if !ok || id == "" {
		t.Fatalf("ping id = %v", ping.ID)
	}

	// Answering the ping over POST is accepted and correlated.
	res := postJSON(t, srv.URL, sessID, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, id))
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ping response status = %d, want 202", res.StatusCode)
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	res := postJSON(t, srv.URL, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("notification status = %d, want 202", res.StatusCode)
	}
}

func TestToolsListOverSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL)

	res := postJSON(t, srv.URL, sessID, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	defer res.Body.Close()
	var rpc struct {
		Result *mcp.ListToolsResult `json:"result"`
		Error  *jsonrpc.Error       `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpc.Error != nil {
		t.Fatalf("tools/list error: %+v", rpc.Error)
	}
	if len(rpc.Result.Tools) != 1 || rpc.Result.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", rpc.Result.Tools)
	}
}
