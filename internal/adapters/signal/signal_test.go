package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/protocol"
	"github.com/gorilla/websocket"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	states []bool
}

func (r *recorder) Dispatch(_ context.Context, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) OnGatewayState(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, connected)
}

func (r *recorder) snapshot() ([]protocol.Message, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...), append([]bool(nil), r.states...)
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func testConfig(url string) config.Signaling {
	return config.Signaling{
		URL:               url,
		Token:             "secret-token",
		ReadLimit:         32768,
		PingPeriod:        time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
		SendBuffer:        8,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientExchange(t *testing.T) {
	var auth, user atomic.Value
	fromClient := make(chan []byte, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		user.Store(r.URL.Query().Get("userId"))
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_ = ws.WriteMessage(websocket.TextMessage, []byte("not json"))
		frame, _ := protocol.Encode(protocol.CallRequest{CallerID: "alice", CallerName: "Alice", ReceiverID: "bob"})
		_ = ws.WriteMessage(websocket.TextMessage, frame)

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			fromClient <- data
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(wsURL(srv)), "bob")
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, rec) }()

	eventually(t, "inbound call-request", func() bool {
		msgs, _ := rec.snapshot()
		return len(msgs) == 1
	})
	msgs, states := rec.snapshot()
	req, ok := msgs[0].(protocol.CallRequest)
	if !ok || req.CallerID != "alice" || req.ReceiverID != "bob" {
		t.Fatalf("decoded %#v", msgs[0])
	}
	if len(states) == 0 || !states[0] {
		t.Fatalf("states = %v", states)
	}
	if got := auth.Load(); got != "Bearer secret-token" {
		t.Fatalf("Authorization = %v", got)
	}
	if got := user.Load(); got != "bob" {
		t.Fatalf("userId = %v", got)
	}
	if !c.Connected() {
		t.Fatal("client should report connected")
	}

	if err := c.Send(protocol.CallAccepted{To: "alice", From: "bob"}); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-fromClient:
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Event() != protocol.EventCallAccepted || msg.Target() != "alice" || msg.Sender() != "bob" {
			t.Fatalf("server got %#v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame never reached the gateway")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if c.Connected() {
		t.Fatal("client should be disconnected after Run returns")
	}
}

func TestClientReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if conns.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(wsURL(srv)), "bob")
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, rec) }()

	eventually(t, "second connection", func() bool {
		_, states := rec.snapshot()
		return len(states) >= 3
	})
	_, states := rec.snapshot()
	if !states[0] || states[1] || !states[2] {
		t.Fatalf("states = %v, want [true false true]", states)
	}
	eventually(t, "connected", c.Connected)
}

func TestClientGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig(wsURL(srv)), "bob")
	err := c.Run(context.Background(), &recorder{})
	if !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("Run = %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("dial attempts = %d, want 3", n)
	}
}

func TestSendOffline(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1/ws"), "bob")
	if err := c.Send(protocol.CallEnded{To: "alice", From: "bob"}); !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("got %v", err)
	}
	if err := c.Send(protocol.CallEnded{From: "bob"}); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("got %v", err)
	}
}

func TestTrySendBackpressure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := NewWsSignalConn(ws, 1)
	if err := conn.TrySend(core.Frame("a")); err != nil {
		t.Fatal(err)
	}
	if err := conn.TrySend(core.Frame("b")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("got %v", err)
	}
	conn.Close()
	conn.Close()
	if err := conn.TrySend(core.Frame("c")); err == nil {
		t.Fatal("send after close should fail")
	}
}

func TestClientRetriesUnlimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.ReconnectAttempts = 0
	cfg.ReconnectDelay = time.Millisecond
	c := NewClient(cfg, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, &recorder{}) }()

	eventually(t, "more than ten dials", func() bool { return hits.Load() > 12 })
	select {
	case err := <-done:
		t.Fatalf("Run gave up with unlimited budget: %v", err)
	default:
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
}
