package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type echoHandler struct{}

func (echoHandler) HandleCommand(command string, data map[string]interface{}) map[string]interface{} {
	switch command {
	case "ping":
		return map[string]interface{}{"success": true, "message": "pong"}
	default:
		return map[string]interface{}{"success": false, "message": "Unknown command: " + command}
	}
}

func (echoHandler) ConnectedState() map[string]interface{} {
	return map[string]interface{}{"monitoring_active": true, "current_project": "demo"}
}

func newTestGateway(t *testing.T, maxConns int) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(echoHandler{}, maxConns)
	srv := NewServer(hub, nil, "")
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return ts, hub
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decoding %q: %v", raw, err)
	}
	return env
}

func TestConnectGreeting(t *testing.T) {
	ts, _ := newTestGateway(t, 0)
	conn := dial(t, ts)

	env := readEnvelope(t, conn)
	if env.Type != "system" || env.Event != "connected" {
		t.Fatalf("greeting = %+v", env)
	}
	data := env.Data.(map[string]interface{})
	if data["current_project"] != "demo" {
		t.Errorf("greeting data = %v", data)
	}
	if env.Timestamp == "" {
		t.Error("missing timestamp")
	}
}

func TestCommandDispatchAndResponse(t *testing.T) {
	ts, _ := newTestGateway(t, 0)
	conn := dial(t, ts)
	readEnvelope(t, conn) // greeting

	if err := conn.WriteJSON(Command{Command: "ping"}); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, conn)
	if env.Type != "response" || env.Command != "ping" {
		t.Fatalf("response = %+v", env)
	}
	if env.Data.(map[string]interface{})["message"] != "pong" {
		t.Errorf("response data = %v", env.Data)
	}
}

func TestUnknownCommand(t *testing.T) {
	ts, _ := newTestGateway(t, 0)
	conn := dial(t, ts)
	readEnvelope(t, conn)

	conn.WriteJSON(Command{Command: "frobnicate"})
	env := readEnvelope(t, conn)
	data := env.Data.(map[string]interface{})
	if data["success"] != false || data["message"] != "Unknown command: frobnicate" {
		t.Errorf("data = %v", data)
	}
}

func TestInvalidJSONKeepsConnection(t *testing.T) {
	ts, _ := newTestGateway(t, 0)
	conn := dial(t, ts)
	readEnvelope(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	env := readEnvelope(t, conn)
	if env.Type != "error" {
		t.Fatalf("expected error envelope, got %+v", env)
	}

	// The subscription survives the decode error.
	conn.WriteJSON(Command{Command: "ping"})
	env = readEnvelope(t, conn)
	if env.Type != "response" || env.Command != "ping" {
		t.Errorf("connection unusable after bad JSON: %+v", env)
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	ts, hub := newTestGateway(t, 0)
	conn := dial(t, ts)
	readEnvelope(t, conn)

	const n = 20
	for i := 0; i < n; i++ {
		hub.Publish("timer", "timer_update", map[string]interface{}{"i": i})
	}
	for i := 0; i < n; i++ {
		env := readEnvelope(t, conn)
		if env.Event != "timer_update" {
			t.Fatalf("event = %q", env.Event)
		}
		got := int(env.Data.(map[string]interface{})["i"].(float64))
		if got != i {
			t.Fatalf("out of order: got %d at position %d", got, i)
		}
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	ts, hub := newTestGateway(t, 0)
	a := dial(t, ts)
	b := dial(t, ts)
	readEnvelope(t, a)
	readEnvelope(t, b)

	hub.Publish("deploy", "deploy_detected", map[string]interface{}{"project": "demo"})
	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		if env.Event != "deploy_detected" {
			t.Errorf("event = %q", env.Event)
		}
	}
}

func TestConnectionLimit(t *testing.T) {
	ts, hub := newTestGateway(t, 1)
	first := dial(t, ts)
	readEnvelope(t, first)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		second.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, rerr := second.ReadMessage()
		if rerr == nil {
			t.Error("second connection should have been refused")
		}
		second.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	hub := NewHub(echoHandler{}, 0)
	srv := NewServer(hub, nil, "")
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	conn := dial(t, ts)
	readEnvelope(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after disconnect, want 0", got)
	}
	hub.Close() // double-removal is a no-op
}

func TestAuthToken(t *testing.T) {
	hub := NewHub(echoHandler{}, 0)
	srv := NewServer(hub, nil, "sekrit")
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	defer hub.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Error("dial without token should fail")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=sekrit", base), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		origin         string
		host           string
		want           bool
	}{
		{
			name:           "allowlist: matching origin accepted",
			allowedOrigins: []string{"http://example.com"},
			origin:         "http://example.com",
			host:           "example.com",
			want:           true,
		},
		{
			name:           "allowlist: matching host accepted",
			allowedOrigins: []string{"http://example.com:8080"},
			origin:         "https://example.com:8080",
			host:           "example.com:8080",
			want:           true,
		},
		{
			name:           "allowlist: non-matching origin rejected",
			allowedOrigins: []string{"http://example.com"},
			origin:         "http://evil.com",
			host:           "example.com",
			want:           false,
		},
		{
			name:   "no allowlist: missing origin accepted",
			origin: "",
			host:   "localhost:8080",
			want:   true,
		},
		{
			name:   "no allowlist: localhost accepted",
			origin: "http://localhost:8080",
			host:   "other:8080",
			want:   true,
		},
		{
			name:   "no allowlist: 127.0.0.1 accepted",
			origin: "http://127.0.0.1:8080",
			host:   "other:8080",
			want:   true,
		},
		{
			name:   "no allowlist: external origin rejected",
			origin: "http://evil.com",
			host:   "localhost:8080",
			want:   false,
		},
		{
			name:   "no allowlist: invalid origin rejected",
			origin: "://bad",
			host:   "localhost:8080",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(NewHub(echoHandler{}, 0), tt.allowedOrigins, "")
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}
