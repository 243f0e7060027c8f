package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// setupTestServer builds a Server over httptest with test-friendly
// defaults. mutate may adjust the config before construction.
func setupTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := Config{
		AppID:       "deskbridge-test",
		ServerName:  "deskbridge-test",
		StorageRoot: t.TempDir(),
		PairingTTL:  time.Minute,
		AuthTimeout: 5 * time.Second,
		MaxClients:  10,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg)
	srv.localIP = func() (string, error) { return "127.0.0.1", nil }

	r := chi.NewRouter()
	r.Get("/ws", srv.HandleWS)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return srv, ts
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func issueToken(t *testing.T, srv *Server) string {
	t.Helper()
	token, _, err := srv.issuer.Issue()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return msg
}

// authenticate performs the auth exchange and returns the clientId from
// auth_success.
func authenticate(t *testing.T, ctx context.Context, conn *websocket.Conn, token string) string {
	t.Helper()
	sendFrame(t, ctx, conn, map[string]string{
		"type":       TypeAuth,
		"token":      token,
		"deviceId":   "test-device",
		"deviceName": "Test Phone",
		"platform":   "ios",
	})
	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeAuthSuccess {
		t.Fatalf("auth reply = %v, want auth_success", msg)
	}
	clientID, _ := msg["clientId"].(string)
	if clientID == "" {
		t.Fatal("auth_success missing clientId")
	}
	return clientID
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAuthSuccess(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	token := issueToken(t, srv)

	sendFrame(t, ctx, conn, map[string]string{
		"type":       TypeAuth,
		"token":      token,
		"deviceName": "Test Phone",
		"platform":   "android",
	})

	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeAuthSuccess {
		t.Fatalf("reply = %v, want auth_success", msg)
	}
	info, ok := msg["serverInfo"].(map[string]any)
	if !ok {
		t.Fatalf("auth_success missing serverInfo: %v", msg)
	}
	if info["name"] != "deskbridge-test" || info["version"] != Version {
		t.Errorf("serverInfo = %v", info)
	}

	if got := srv.Status().ClientCount; got != 1 {
		t.Errorf("client count = %d, want 1", got)
	}
	clients := srv.Status().Clients
	if len(clients) != 1 || clients[0].Name != "Test Phone" || clients[0].Platform != "android" {
		t.Errorf("clients = %+v", clients)
	}
}

func TestAuthInvalidToken(t *testing.T) {
	_, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	sendFrame(t, ctx, conn, map[string]string{"type": TypeAuth, "token": "deadbeef"})

	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeError || msg["code"] != CodeAuthFailed {
		t.Fatalf("reply = %v, want auth_failed error", msg)
	}

	// Transport must be closed after a failed auth.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected closed transport after auth failure")
	} else if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %d, want %d", status, websocket.StatusPolicyViolation)
	}
}

func TestAuthExpiredToken(t *testing.T) {
	srv, ts := setupTestServer(t, func(cfg *Config) {
		cfg.PairingTTL = time.Millisecond
	})
	ctx := testCtx(t)

	token := issueToken(t, srv)
	time.Sleep(20 * time.Millisecond)

	conn := dialWS(t, ctx, ts)
	sendFrame(t, ctx, conn, map[string]string{"type": TypeAuth, "token": token})

	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeError || msg["code"] != CodeAuthFailed {
		t.Fatalf("reply = %v, want auth_failed error", msg)
	}
	if reason, _ := msg["message"].(string); !strings.Contains(reason, "expired") {
		t.Errorf("message = %q, want expiry reason", reason)
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected closed transport after expired token")
	}
}

func TestTokenSingleUseAcrossConnections(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	token := issueToken(t, srv)

	first := dialWS(t, ctx, ts)
	authenticate(t, ctx, first, token)

	second := dialWS(t, ctx, ts)
	sendFrame(t, ctx, second, map[string]string{"type": TypeAuth, "token": token})
	msg := readFrame(t, ctx, second)
	if msg["type"] != TypeError || msg["code"] != CodeAuthFailed {
		t.Fatalf("reused token reply = %v, want auth_failed", msg)
	}
}

func TestUnauthenticatedMessagesRejected(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)

	for _, frameType := range []string{TypeHeartbeat, TypeChatMessage, TypeFileRequest, TypeMediaProcess, "made_up"} {
		sendFrame(t, ctx, conn, map[string]string{"type": frameType, "content": "x", "operation": "read", "path": "a"})
		msg := readFrame(t, ctx, conn)
		if msg["type"] != TypeError || msg["code"] != CodeUnauthorized {
			t.Fatalf("pending %s reply = %v, want unauthorized", frameType, msg)
		}
	}

	// The rejections must not have advanced or closed the session:
	// auth still works.
	authenticate(t, ctx, conn, issueToken(t, srv))
}

func TestAuthTimeout(t *testing.T) {
	_, ts := setupTestServer(t, func(cfg *Config) {
		cfg.AuthTimeout = 100 * time.Millisecond
	})
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected server to close unauthenticated connection")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %d, want %d", status, websocket.StatusPolicyViolation)
	}
}

func TestCapacityBound(t *testing.T) {
	srv, ts := setupTestServer(t, func(cfg *Config) {
		cfg.MaxClients = 1
	})
	ctx := testCtx(t)

	first := dialWS(t, ctx, ts)
	authenticate(t, ctx, first, issueToken(t, srv))

	second := dialWS(t, ctx, ts)
	sendFrame(t, ctx, second, map[string]string{"type": TypeAuth, "token": issueToken(t, srv)})
	msg := readFrame(t, ctx, second)
	if msg["type"] != TypeError || msg["code"] != CodeAuthFailed {
		t.Fatalf("over-capacity reply = %v, want auth_failed", msg)
	}
	if reason, _ := msg["message"].(string); !strings.Contains(reason, "capacity") {
		t.Errorf("message = %q, want capacity reason", reason)
	}

	// The first client is unaffected.
	sendFrame(t, ctx, first, map[string]string{"type": TypeHeartbeat})
	if msg := readFrame(t, ctx, first); msg["type"] != TypeHeartbeatResponse {
		t.Errorf("heartbeat reply = %v", msg)
	}
}

func TestHeartbeat(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	authenticate(t, ctx, conn, issueToken(t, srv))

	sendFrame(t, ctx, conn, map[string]string{"type": TypeHeartbeat})
	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeHeartbeatResponse {
		t.Fatalf("reply = %v, want heartbeat_response", msg)
	}
	if ts, ok := msg["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("timestamp = %v", msg["timestamp"])
	}
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	authenticate(t, ctx, conn, issueToken(t, srv))

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeError || msg["code"] != CodeInvalidMessage {
		t.Fatalf("reply = %v, want invalid_message", msg)
	}

	sendFrame(t, ctx, conn, map[string]string{"type": TypeHeartbeat})
	if msg := readFrame(t, ctx, conn); msg["type"] != TypeHeartbeatResponse {
		t.Errorf("session should survive a malformed frame, got %v", msg)
	}
}

func TestUnknownType(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	authenticate(t, ctx, conn, issueToken(t, srv))

	sendFrame(t, ctx, conn, map[string]string{"type": "telepathy"})
	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeError || msg["code"] != CodeUnknownType {
		t.Fatalf("reply = %v, want unknown_type", msg)
	}
}

func TestChatRoundTrip(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	authenticate(t, ctx, conn, issueToken(t, srv))

	sendFrame(t, ctx, conn, map[string]string{"type": TypeChatMessage, "content": "hello desktop"})

	var ev ChatEvent
	select {
	case ev = <-srv.ChatEvents():
	case <-ctx.Done():
		t.Fatal("no chat event received")
	}
	if ev.Content != "hello desktop" {
		t.Errorf("event content = %q", ev.Content)
	}
	if ev.MessageID == "" || ev.SessionID == "" {
		t.Errorf("event missing ids: %+v", ev)
	}

	// The external responder resolves the event asynchronously.
	if err := srv.SendChatResponse(ev.SessionID, "hello phone", ev.MessageID); err != nil {
		t.Fatalf("send chat response: %v", err)
	}

	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeChatResponse {
		t.Fatalf("reply = %v, want chat_response", msg)
	}
	if msg["content"] != "hello phone" || msg["messageId"] != ev.MessageID {
		t.Errorf("chat_response = %v", msg)
	}
}

func TestMediaFlow(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	authenticate(t, ctx, conn, issueToken(t, srv))

	sendFrame(t, ctx, conn, map[string]any{
		"type":      TypeMediaProcess,
		"mediaType": "image",
		"mediaId":   "media-1",
		"data":      "aGVsbG8=",
		"options":   map[string]any{"resize": "512"},
	})

	// Synchronous ack comes first.
	ack := readFrame(t, ctx, conn)
	if ack["type"] != TypeMediaProcessing || ack["status"] != "processing" || ack["mediaId"] != "media-1" {
		t.Fatalf("ack = %v", ack)
	}

	var ev MediaEvent
	select {
	case ev = <-srv.MediaEvents():
	case <-ctx.Done():
		t.Fatal("no media event received")
	}
	if ev.MediaID != "media-1" || ev.MediaType != "image" || ev.Data != "aGVsbG8=" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Options["resize"] != "512" {
		t.Errorf("options = %v", ev.Options)
	}

	if err := srv.SendMediaResult(ev.SessionID, ev.MediaID, map[string]string{"url": "out.png"}); err != nil {
		t.Fatalf("send media result: %v", err)
	}

	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeMediaResult || msg["mediaId"] != "media-1" {
		t.Fatalf("result = %v", msg)
	}
}

func TestSendStatusUpdate(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	clientID := authenticate(t, ctx, conn, issueToken(t, srv))

	if err := srv.SendStatusUpdate(clientID, "busy"); err != nil {
		t.Fatalf("send status: %v", err)
	}
	msg := readFrame(t, ctx, conn)
	if msg["type"] != TypeStatusUpdate || msg["status"] != "busy" {
		t.Fatalf("status frame = %v", msg)
	}
}

func TestSendToDisconnectedClient(t *testing.T) {
	srv, ts := setupTestServer(t, nil)
	ctx := testCtx(t)

	conn := dialWS(t, ctx, ts)
	clientID := authenticate(t, ctx, conn, issueToken(t, srv))

	// Drain the connect event, then disconnect.
	select {
	case <-srv.ConnEvents():
	case <-ctx.Done():
		t.Fatal("no connect event")
	}
	conn.Close(websocket.StatusNormalClosure, "")

	var ev ConnEvent
	select {
	case ev = <-srv.ConnEvents():
	case <-ctx.Done():
		t.Fatal("no disconnect event")
	}
	if ev.Kind != ConnDisconnected {
		t.Errorf("event kind = %s, want disconnected", ev.Kind)
	}

	if err := srv.SendChatResponse(clientID, "too late", "msg-1"); !errors.Is(err, ErrClientNotConnected) {
		t.Errorf("send after disconnect = %v, want ErrClientNotConnected", err)
	}
	if got := srv.Status().ClientCount; got != 0 {
		t.Errorf("client count after disconnect = %d, want 0", got)
	}
}

func TestIssuePairing(t *testing.T) {
	srv, _ := setupTestServer(t, func(cfg *Config) {
		cfg.Port = 8791
	})

	p, err := srv.IssuePairing()
	if err != nil {
		t.Fatalf("issue pairing: %v", err)
	}
	if len(p.Token) != 32 {
		t.Errorf("token length = %d, want 32 hex chars", len(p.Token))
	}
	if !strings.HasPrefix(p.URI, "deskbridge://connect?") {
		t.Errorf("uri = %q", p.URI)
	}
	if !strings.Contains(p.URI, "token="+p.Token) || !strings.Contains(p.URI, "port=8791") {
		t.Errorf("uri missing fields: %q", p.URI)
	}
	if !strings.HasPrefix(p.QR, "data:image/png;base64,") {
		t.Errorf("qr = %.40q", p.QR)
	}
}

func TestIssuePairingNoInterface(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	srv.localIP = func() (string, error) { return "", fmt.Errorf("boom: no interface") }

	if _, err := srv.IssuePairing(); err == nil {
		t.Fatal("expected error without a routable interface")
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	srv := New(Config{
		Port:        0, // ephemeral
		AppID:       "deskbridge-test",
		ServerName:  "deskbridge-test",
		StorageRoot: t.TempDir(),
		PairingTTL:  time.Minute,
		AuthTimeout: 5 * time.Second,
		MaxClients:  10,
	})

	r := chi.NewRouter()
	r.Get("/ws", srv.HandleWS)
	if err := srv.Start(r); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !srv.Status().Running {
		t.Error("status should report running")
	}

	ctx := testCtx(t)
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port())
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	authenticate(t, ctx, conn, issueToken(t, srv))

	if err := srv.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The live session was closed with a shutdown reason.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected session to be closed on shutdown")
	} else if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %d, want %d", status, websocket.StatusGoingAway)
	}

	if srv.Status().Running {
		t.Error("status should report stopped after close")
	}

	// No new connections once shutdown has begun.
	if conn2, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		conn2.CloseNow()
		t.Error("dial should fail after shutdown")
	}
}
