package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-engine/internal/config"
	"swap-engine/internal/domain"
	"swap-engine/internal/solana"
	"swap-engine/internal/solana/stub"
)

type venueServer struct {
	*httptest.Server
	signature string
	swaps     atomic.Int32
	keys      chan string
}

func newVenueServer(t *testing.T, price string) *venueServer {
	t.Helper()
	vs := &venueServer{
		signature: solana.DeriveSignature("venue", price),
		keys:      make(chan string, 10),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SOL", r.URL.Query().Get("tokenIn"))
		json.NewEncoder(w).Encode(map[string]string{"price": price})
	})
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		vs.swaps.Add(1)
		vs.keys <- r.Header.Get("Idempotency-Key")
		json.NewEncoder(w).Encode(map[string]string{
			"signature":     vs.signature,
			"executedPrice": price,
		})
	})
	vs.Server = httptest.NewServer(mux)
	t.Cleanup(vs.Close)
	return vs
}

func (vs *venueServer) venue(name string) config.Venue {
	return config.Venue{
		Name:     name,
		Fee:      decimal.RequireFromString("0.0025"),
		QuoteURL: vs.URL + "/quote",
		SwapURL:  vs.URL + "/swap",
	}
}

func TestLiveRouter_QuoteAndExecute(t *testing.T) {
	vs := newVenueServer(t, "151.5")
	rpc := stub.NewRPCClient()
	rpc.SetStatus(vs.signature, &solana.SignatureStatus{Slot: 10, ConfirmationStatus: solana.CommitmentConfirmed})

	r := NewLiveRouter(LiveOptions{
		Venues:       []config.Venue{vs.venue("Raydium")},
		RPC:          rpc,
		PollInterval: time.Millisecond,
	})
	assert.Equal(t, domain.ExecutionModeLive, r.Mode())

	q, err := r.FindBest(context.Background(), "SOL", "USDC", decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, "Raydium", q.Venue)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("151.5")))

	req := ExecuteRequest{OrderID: "order-live", Quote: q, TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.NewFromInt(2)}
	exec, err := r.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, vs.signature, exec.TransactionReference)
	assert.Equal(t, "order-live", <-vs.keys)

	_, err = r.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), vs.swaps.Load())
}

func TestLiveRouter_VenueWithoutEndpoints(t *testing.T) {
	r := NewLiveRouter(LiveOptions{
		Venues: []config.Venue{{Name: "Meteora", Fee: decimal.RequireFromString("0.003")}},
		RPC:    stub.NewRPCClient(),
	})

	_, err := r.Quote(context.Background(), "Meteora", "SOL", "USDC", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrVenueNotImplemented)

	_, err = r.Execute(context.Background(), ExecuteRequest{
		OrderID: "o",
		Quote:   domain.NewQuote("Meteora", decimal.NewFromInt(1), decimal.Zero),
	})
	assert.ErrorIs(t, err, ErrVenueNotImplemented)

	_, err = r.FindBest(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestLiveRouter_OnChainFailure(t *testing.T) {
	vs := newVenueServer(t, "150")
	rpc := stub.NewRPCClient()
	rpc.SetStatus(vs.signature, &solana.SignatureStatus{
		Slot:               10,
		Err:                map[string]any{"InstructionError": []any{0, "Custom"}},
		ConfirmationStatus: solana.CommitmentConfirmed,
	})

	r := NewLiveRouter(LiveOptions{
		Venues:       []config.Venue{vs.venue("Raydium")},
		RPC:          rpc,
		PollInterval: time.Millisecond,
	})

	_, err := r.Execute(context.Background(), ExecuteRequest{
		OrderID: "order-bad",
		Quote:   domain.NewQuote("Raydium", decimal.NewFromInt(150), decimal.Zero),
	})
	assert.ErrorIs(t, err, ErrExecutionFailed)
}

func TestLiveRouter_ConfirmTimeout(t *testing.T) {
	vs := newVenueServer(t, "150")

	r := NewLiveRouter(LiveOptions{
		Venues:       []config.Venue{vs.venue("Raydium")},
		RPC:          stub.NewRPCClient(),
		ConfirmWait:  30 * time.Millisecond,
		PollInterval: time.Millisecond,
	})

	_, err := r.Execute(context.Background(), ExecuteRequest{
		OrderID: "order-lost",
		Quote:   domain.NewQuote("Raydium", decimal.NewFromInt(150), decimal.Zero),
	})
	assert.ErrorIs(t, err, ErrExecutionFailed)
}

func TestLiveRouter_ConfirmViaWatcher(t *testing.T) {
	vs := newVenueServer(t, "150")
	rpc := stub.NewRPCClient()
	watcher := stub.NewWatcher()
	watcher.Results[vs.signature] = solana.SignatureResult{Slot: 7}

	r := NewLiveRouter(LiveOptions{
		Venues:       []config.Venue{vs.venue("Raydium")},
		RPC:          rpc,
		Watcher:      watcher,
		PollInterval: time.Millisecond,
	})

	_, err := r.Execute(context.Background(), ExecuteRequest{
		OrderID: "order-ws",
		Quote:   domain.NewQuote("Raydium", decimal.NewFromInt(150), decimal.Zero),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, watcher.Watches)
	assert.Equal(t, 0, rpc.Calls, "watcher result should make polling unnecessary")
}

func TestLiveRouter_WatcherFailureIsFinal(t *testing.T) {
	vs := newVenueServer(t, "150")
	watcher := stub.NewWatcher()
	watcher.Results[vs.signature] = solana.SignatureResult{Err: "InstructionError"}

	r := NewLiveRouter(LiveOptions{
		Venues:  []config.Venue{vs.venue("Raydium")},
		RPC:     stub.NewRPCClient(),
		Watcher: watcher,
	})

	_, err := r.Execute(context.Background(), ExecuteRequest{
		OrderID: "order-ws-bad",
		Quote:   domain.NewQuote("Raydium", decimal.NewFromInt(150), decimal.Zero),
	})
	assert.ErrorIs(t, err, ErrExecutionFailed)
}

func TestLiveRouter_WatcherDropFallsBackToPolling(t *testing.T) {
	vs := newVenueServer(t, "150")
	rpc := stub.NewRPCClient()
	rpc.SetStatus(vs.signature, &solana.SignatureStatus{Slot: 10, ConfirmationStatus: solana.CommitmentFinalized})

	for _, watcher := range []*stub.Watcher{stub.NewWatcher(), {Unavailable: true}} {
		r := NewLiveRouter(LiveOptions{
			Venues:       []config.Venue{vs.venue("Raydium")},
			RPC:          rpc,
			Watcher:      watcher,
			PollInterval: time.Millisecond,
		})

		_, err := r.Execute(context.Background(), ExecuteRequest{
			OrderID: "order-ws-drop",
			Quote:   domain.NewQuote("Raydium", decimal.NewFromInt(150), decimal.Zero),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, watcher.Watches)
	}
	assert.Positive(t, rpc.Calls)
}
