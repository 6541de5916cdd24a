package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"swap-engine/internal/domain"
	"swap-engine/internal/eventbus"
)

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(msg, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestHub_BroadcastsToAllObservers(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	server := httptest.NewServer(hub)
	defer server.Close()

	a := dial(t, server, "")
	defer a.Close()
	b := dial(t, server, "")
	defer b.Close()
	waitForClients(t, hub, 2)

	hub.Broadcast(domain.PendingEvent{EventHeader: domain.Header("o1", time.Now()), QueuePosition: 3})

	for _, conn := range []*websocket.Conn{a, b} {
		got := readEvent(t, conn)
		if got["orderId"] != "o1" || got["status"] != "pending" {
			t.Errorf("unexpected event %v", got)
		}
		if got["queuePosition"] != float64(3) {
			t.Errorf("queuePosition = %v, want 3", got["queuePosition"])
		}
	}
}

func TestHub_OrderFilter(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, "?orderId=o2")
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Broadcast(domain.BuildingEvent{EventHeader: domain.Header("o1", time.Now())})
	hub.Broadcast(domain.BuildingEvent{EventHeader: domain.Header("o2", time.Now())})

	got := readEvent(t, conn)
	if got["orderId"] != "o2" {
		t.Errorf("expected only o2 events, got %v", got)
	}
}

func TestHub_DisconnectPrunes(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, "")
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)

	// Broadcasting with nobody connected is a no-op.
	hub.Broadcast(domain.BuildingEvent{EventHeader: domain.Header("o1", time.Now())})
}

func TestHub_SlowObserverDoesNotBlock(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 1})
	defer hub.Close()
	server := httptest.NewServer(hub)
	defer server.Close()

	// Never reads, so its buffer fills.
	conn := dial(t, server, "")
	defer conn.Close()
	waitForClients(t, hub, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Broadcast(domain.BuildingEvent{EventHeader: domain.Header("o1", time.Now())})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on slow observer")
	}
}

func TestHub_RunForwardsFromBus(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	server := httptest.NewServer(hub)
	defer server.Close()

	bus := eventbus.NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go hub.Run(ctx, sub)

	conn := dial(t, server, "")
	defer conn.Close()
	waitForClients(t, hub, 1)

	if err := bus.Publish(ctx, domain.FailedEvent{
		EventHeader: domain.Header("o3", time.Now()),
		Reason:      "routing failed: no venues",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := readEvent(t, conn)
	if got["status"] != "failed" || got["failureReason"] != "routing failed: no venues" {
		t.Errorf("unexpected event %v", got)
	}
}
