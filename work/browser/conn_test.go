package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeDevTools upgrades one websocket and answers protocol commands with a
// canned handler. It stands in for the browser endpoint.
func fakeDevTools(t *testing.T, handle func(ws *websocket.Conn, msg message)) *Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			var msg message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			handle(ws, msg)
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial fake devtools: %v", err)
	}

	conn := newConn(ws)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCallRoundTrip(t *testing.T) {
	conn := fakeDevTools(t, func(ws *websocket.Conn, msg message) {
		if msg.Method != "Target.getVersion" {
			t.Errorf("unexpected method %q", msg.Method)
		}
		ws.WriteJSON(map[string]any{
			"id":     msg.ID,
			"result": map[string]any{"product": "HeadlessChrome/999"},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var res struct {
		Product string `json:"product"`
	}
	if err := conn.Call(ctx, "", "Target.getVersion", nil, &res); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if res.Product != "HeadlessChrome/999" {
		t.Fatalf("expected product decoded from response, got %q", res.Product)
	}
}

func TestCallProtocolError(t *testing.T) {
	conn := fakeDevTools(t, func(ws *websocket.Conn, msg message) {
		ws.WriteJSON(map[string]any{
			"id":    msg.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Call(ctx, "", "Bogus.method", nil, nil)
	if err == nil {
		t.Fatal("expected protocol error")
	}
	if !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("expected error to carry protocol message, got %v", err)
	}
}

func TestCallContextCancel(t *testing.T) {
	conn := fakeDevTools(t, func(ws *websocket.Conn, msg message) {
		// Never answer.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.Call(ctx, "", "Page.navigate", map[string]any{"url": "about:blank"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestSubscribeDispatchesBySession(t *testing.T) {
	conn := fakeDevTools(t, func(ws *websocket.Conn, msg message) {
		// Answer the probe, then emit one event for each of two sessions.
		ws.WriteJSON(map[string]any{"id": msg.ID, "result": map[string]any{}})
		ws.WriteJSON(map[string]any{
			"method":    "Page.loadEventFired",
			"sessionId": "sess-a",
			"params":    map[string]any{"timestamp": 1},
		})
		ws.WriteJSON(map[string]any{
			"method":    "Page.loadEventFired",
			"sessionId": "sess-b",
			"params":    map[string]any{"timestamp": 2},
		})
	})

	got := make(chan string, 2)
	unsub := conn.Subscribe("sess-a", "Page.loadEventFired", func(params json.RawMessage) {
		got <- "sess-a"
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Call(ctx, "", "Runtime.enable", nil, nil); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}

	select {
	case sess := <-got:
		if sess != "sess-a" {
			t.Fatalf("expected event for sess-a, got %s", sess)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed event never delivered")
	}

	// The sess-b event must not reach the sess-a subscriber.
	select {
	case <-got:
		t.Fatal("received event for a session we never subscribed to")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	events := make(chan struct{}, 8)
	conn := fakeDevTools(t, func(ws *websocket.Conn, msg message) {
		ws.WriteJSON(map[string]any{"id": msg.ID, "result": map[string]any{}})
		ws.WriteJSON(map[string]any{
			"method":    "Network.requestWillBeSent",
			"sessionId": "sess",
			"params":    map[string]any{},
		})
	})

	unsub := conn.Subscribe("sess", "Network.requestWillBeSent", func(json.RawMessage) {
		events <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Call(ctx, "", "Network.enable", nil, nil); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered before unsubscribe")
	}

	unsub()

	// Trigger another event; it must be dropped.
	if err := conn.Call(ctx, "", "Network.enable", nil, nil); err != nil {
		t.Fatalf("second probe call failed: %v", err)
	}
	select {
	case <-events:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	conn := fakeDevTools(t, func(ws *websocket.Conn, msg message) {})
	conn.Close()

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection never reported done after close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Call(ctx, "", "Page.enable", nil, nil); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}
