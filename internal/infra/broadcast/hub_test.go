package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"course_cart/internal/domain"
	"course_cart/internal/infra"

	"github.com/gorilla/websocket"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readSignal(t *testing.T, conn *websocket.Conn) domain.CartSignal {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var sig domain.CartSignal
	if err := json.Unmarshal(msg, &sig); err != nil {
		t.Fatalf("bad signal %q: %v", msg, err)
	}
	return sig
}

func TestHub_PublishFanOut(t *testing.T) {
	m := infra.NewMetrics()
	hub := NewHub(m)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	a, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()

	waitFor(t, "two clients", func() bool { return hub.Clients() == 2 })
	if m.Snapshot().BroadcastClients != 2 {
		t.Errorf("Expected 2 clients in metrics, got %d", m.Snapshot().BroadcastClients)
	}

	hub.Publish(domain.CartSignal{Origin: "e1", Seq: 7, Count: 3, Total: "150.00", Ready: true})

	for _, conn := range []*websocket.Conn{a, b} {
		sig := readSignal(t, conn)
		if sig.Seq != 7 || sig.Count != 3 || sig.Total != "150.00" {
			t.Errorf("Unexpected signal: %+v", sig)
		}
	}
}

func TestHub_LateJoinerGetsLatest(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	hub.Publish(domain.CartSignal{Seq: 1, Count: 1, Ready: true})
	hub.Publish(domain.CartSignal{Seq: 2, Count: 2, Ready: true})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if sig := readSignal(t, conn); sig.Seq != 2 || sig.Count != 2 {
		t.Errorf("Expected latest signal, got %+v", sig)
	}
}

func TestHub_ClientLeaves(t *testing.T) {
	m := infra.NewMetrics()
	hub := NewHub(m)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "client registered", func() bool { return hub.Clients() == 1 })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, "client removed", func() bool { return hub.Clients() == 0 })
	if m.Snapshot().BroadcastClients != 0 {
		t.Errorf("Expected 0 clients in metrics, got %d", m.Snapshot().BroadcastClients)
	}
}

func TestHub_RejectsPlainHTTP(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-websocket request, got %d", resp.StatusCode)
	}
}

func TestBadgeWatcher_FollowsHub(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	received := make(chan domain.CartSignal, 8)
	w := NewBadgeWatcher(wsURL(server), func(sig domain.CartSignal) { received <- sig })
	if err := w.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Disconnect()

	waitFor(t, "watcher connected", func() bool { return hub.Clients() == 1 })

	hub.Publish(domain.CartSignal{Seq: 1, Count: 0, Ready: false})
	hub.Publish(domain.CartSignal{Seq: 2, Count: 4, Total: "99.00", Ready: true})

	for want := uint64(1); want <= 2; want++ {
		select {
		case sig := <-received:
			if sig.Seq != want {
				t.Errorf("Expected seq %d, got %d", want, sig.Seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for signal %d", want)
		}
	}
	if w.Count() != 4 {
		t.Errorf("Expected badge count 4, got %d", w.Count())
	}
	if sig, ok := w.Latest(); !ok || sig.Total != "99.00" {
		t.Errorf("Unexpected latest signal: %+v", sig)
	}
	if !w.IsConnected() {
		t.Error("Watcher should report connected")
	}
}

func TestBadgeWatcher_Reconnects(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	w := NewBadgeWatcher(wsURL(server), nil)
	w.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	if err := w.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Disconnect()

	waitFor(t, "first connection", func() bool { return hub.Clients() == 1 })

	// Drop every client; the watcher should come back.
	hub.mu.Lock()
	for _, c := range hub.clients {
		hub.removeLocked(c)
	}
	hub.mu.Unlock()

	waitFor(t, "reconnection", func() bool { return hub.Clients() == 1 })

	hub.Publish(domain.CartSignal{Seq: 9, Count: 1, Ready: true})
	waitFor(t, "signal after reconnect", func() bool { return w.Count() == 1 })
}

func TestBadgeWatcher_BadURL(t *testing.T) {
	w := NewBadgeWatcher("ws://127.0.0.1:1/ws/cart", nil)
	w.backoff = func(int) time.Duration { return 5 * time.Millisecond }
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := w.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	<-ctx.Done()
	w.Disconnect()

	if w.IsConnected() || w.Count() != 0 {
		t.Error("Watcher must not report a connection it never made")
	}
}
