package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeCluster answers signatureSubscribe. Signatures listed in failed
// resolve with an instruction error; signatures in silent never resolve.
type fakeCluster struct {
	failed map[string]bool
	silent map[string]bool

	mu           sync.Mutex
	unsubscribed []int64
	conns        []*websocket.Conn
}

func (f *fakeCluster) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		defer c.Close()

		var writeMu sync.Mutex
		send := func(v any) {
			writeMu.Lock()
			defer writeMu.Unlock()
			c.WriteJSON(v)
		}

		for {
			var req struct {
				ID     uint64            `json:"id"`
				Method string            `json:"method"`
				Params []json.RawMessage `json:"params"`
			}
			if err := c.ReadJSON(&req); err != nil {
				return
			}

			switch req.Method {
			case "signatureSubscribe":
				var sig string
				json.Unmarshal(req.Params[0], &sig)
				subID := int64(req.ID) + 100
				send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": subID})
				if f.silent[sig] {
					continue
				}

				var txErr any
				if f.failed[sig] {
					txErr = map[string]any{"InstructionError": []any{0, "Custom"}}
				}
				send(map[string]any{
					"jsonrpc": "2.0",
					"method":  "signatureNotification",
					"params": map[string]any{
						"subscription": subID,
						"result": map[string]any{
							"context": map[string]any{"slot": 4242},
							"value":   map[string]any{"err": txErr},
						},
					},
				})
			case "signatureUnsubscribe":
				var id int64
				json.Unmarshal(req.Params[0], &id)
				f.mu.Lock()
				f.unsubscribed = append(f.unsubscribed, id)
				f.mu.Unlock()
				send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
			}
		}
	}
}

func (f *fakeCluster) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

func (f *fakeCluster) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribed)
}

func startCluster(t *testing.T, f *fakeCluster) *WSClient {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)

	cfg := DefaultWSConfig()
	cfg.SubscribeTimeout = 2 * time.Second
	cfg.MaxReconnectDelay = 100 * time.Millisecond
	client, err := NewWSClient(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), &cfg)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func receive(t *testing.T, ch <-chan SignatureResult) (SignatureResult, bool) {
	t.Helper()
	select {
	case res, ok := <-ch:
		return res, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signature result")
		return SignatureResult{}, false
	}
}

func TestWSClient_WatchConfirmed(t *testing.T) {
	client := startCluster(t, &fakeCluster{})

	ch, err := client.WatchSignature(context.Background(), "sig-ok")
	if err != nil {
		t.Fatalf("WatchSignature: %v", err)
	}

	res, ok := receive(t, ch)
	if !ok {
		t.Fatal("channel closed without a result")
	}
	if res.Err != nil {
		t.Errorf("expected no tx error, got %v", res.Err)
	}
	if res.Slot != 4242 || res.Signature != "sig-ok" {
		t.Errorf("unexpected result %+v", res)
	}

	if _, ok := <-ch; ok {
		t.Error("expected channel to close after the result")
	}
}

func TestWSClient_WatchFailedOnChain(t *testing.T) {
	client := startCluster(t, &fakeCluster{failed: map[string]bool{"sig-bad": true}})

	ch, err := client.WatchSignature(context.Background(), "sig-bad")
	if err != nil {
		t.Fatalf("WatchSignature: %v", err)
	}
	res, ok := receive(t, ch)
	if !ok || res.Err == nil {
		t.Fatalf("expected a tx error, got %+v (ok=%v)", res, ok)
	}
}

func TestWSClient_CancelUnsubscribes(t *testing.T) {
	cluster := &fakeCluster{silent: map[string]bool{"sig-slow": true}}
	client := startCluster(t, cluster)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.WatchSignature(ctx, "sig-slow")
	if err != nil {
		t.Fatalf("WatchSignature: %v", err)
	}
	cancel()

	if _, ok := receive(t, ch); ok {
		t.Error("expected channel to close without a result")
	}

	deadline := time.Now().Add(2 * time.Second)
	for cluster.unsubscribeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cluster.unsubscribeCount() != 1 {
		t.Errorf("expected one signatureUnsubscribe, got %d", cluster.unsubscribeCount())
	}
}

func TestWSClient_DisconnectClosesWatchesAndReconnects(t *testing.T) {
	cluster := &fakeCluster{silent: map[string]bool{"sig-lost": true}}
	client := startCluster(t, cluster)

	ch, err := client.WatchSignature(context.Background(), "sig-lost")
	if err != nil {
		t.Fatalf("WatchSignature: %v", err)
	}
	cluster.dropAll()

	if _, ok := receive(t, ch); ok {
		t.Error("expected watch to close on disconnect")
	}

	// A later watch succeeds once the client has redialled.
	deadline := time.Now().Add(3 * time.Second)
	for {
		ch, err = client.WatchSignature(context.Background(), "sig-after")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reconnect: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if res, ok := receive(t, ch); !ok || res.Err != nil {
		t.Errorf("expected confirmation after reconnect, got %+v (ok=%v)", res, ok)
	}
}

func TestWSClient_ClosedClientRejectsWatch(t *testing.T) {
	client := startCluster(t, &fakeCluster{})
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := client.WatchSignature(context.Background(), "sig"); err != ErrWatcherClosed {
		t.Errorf("expected ErrWatcherClosed, got %v", err)
	}
}
