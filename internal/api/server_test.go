package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-engine/internal/solana/stub"
	"swap-engine/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedStats struct{ snap worker.Snapshot }

func (s fixedStats) Snapshot() worker.Snapshot { return s.snap }

func newTestServer(t *testing.T, rpc *stub.RPCClient) (*Server, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	opts := Options{
		Service: f.svc,
		Stats:   fixedStats{snap: worker.Snapshot{Started: 4, Acked: 3, Retried: 1}},
	}
	if rpc != nil {
		opts.RPC = rpc
	}
	return NewServer(opts), f
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestServer_ExecuteAndGet(t *testing.T) {
	s, f := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/orders/execute", map[string]any{
		"tokenIn":       "SOL",
		"tokenOut":      "USDC",
		"amount":        "2.5",
		"slippage":      0.01,
		"walletAddress": newWallet(t),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id, _ := decode(t, w)["orderId"].(string)
	require.NotEmpty(t, id)

	_, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)

	w = do(t, s, http.MethodGet, "/api/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, id, body["orderId"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "2.5", body["amount"])
	assert.Equal(t, float64(0), body["queuePosition"])

	w = do(t, s, http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestServer_ExecuteRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/execute", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/orders/execute", map[string]any{
		"tokenIn":       "SOL",
		"tokenOut":      "USDC",
		"amount":        "1",
		"slippage":      "0.01",
		"walletAddress": "abc",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "walletAddress", decode(t, w)["field"])
}

func TestServer_GetUnknownOrder(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/orders/6f9e2c1a-0000-4000-8000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_VerifyWallet(t *testing.T) {
	rpc := stub.NewRPCClient()
	rich, poor := newWallet(t), newWallet(t)
	rpc.Balances[rich] = 20_000_000_000
	rpc.Balances[poor] = 1_000_000_000
	s, _ := newTestServer(t, rpc)

	w := do(t, s, http.MethodPost, "/api/verify-wallet", map[string]any{"walletAddress": rich})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "0.005", body["recommendedSlippage"])
	assert.Equal(t, "20", body["balance"])

	w = do(t, s, http.MethodPost, "/api/verify-wallet", map[string]any{"walletAddress": poor})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.015", decode(t, w)["recommendedSlippage"])

	w = do(t, s, http.MethodPost, "/api/verify-wallet", map[string]any{"walletAddress": "xyz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rpc.Fail = true
	w = do(t, s, http.MethodPost, "/api/verify-wallet", map[string]any{"walletAddress": rich})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestServer_VerifyWalletWithoutRPC(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/verify-wallet", map[string]any{"walletAddress": newWallet(t)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_HealthStatusMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = do(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "simulated", body["mode"])
	stats, ok := body["worker"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), stats["acked"])

	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
