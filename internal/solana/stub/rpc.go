package stub

import (
	"context"
	"errors"
	"sync"

	"swap-engine/internal/solana"
)

// ErrUnavailable is returned when the stub is configured to fail.
var ErrUnavailable = errors.New("rpc unavailable")

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu       sync.Mutex
	Statuses map[string]*solana.SignatureStatus
	Balances map[string]uint64
	Slot     int64
	Fail     bool
	Calls    int
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Statuses: make(map[string]*solana.SignatureStatus),
		Balances: make(map[string]uint64),
	}
}

var _ solana.RPCClient = (*RPCClient)(nil)

// SetStatus records the status returned for signature.
func (c *RPCClient) SetStatus(signature string, status *solana.SignatureStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Statuses[signature] = status
}

// GetSignatureStatuses returns the configured statuses; unknown signatures map to nil.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Fail {
		return nil, ErrUnavailable
	}

	out := make([]*solana.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		out[i] = c.Statuses[sig]
	}
	return out, nil
}

// GetBalance returns the configured balance.
func (c *RPCClient) GetBalance(_ context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Fail {
		return 0, ErrUnavailable
	}
	return c.Balances[address], nil
}

// GetSlot returns the configured slot.
func (c *RPCClient) GetSlot(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Fail {
		return 0, ErrUnavailable
	}
	return c.Slot, nil
}

// Watcher implements solana.SignatureWatcher for testing. Signatures with a
// configured result resolve immediately; others drop the watch, which sends
// callers back to polling.
type Watcher struct {
	mu          sync.Mutex
	Results     map[string]solana.SignatureResult
	Unavailable bool
	Watches     int
}

// NewWatcher creates a stub watcher.
func NewWatcher() *Watcher {
	return &Watcher{Results: make(map[string]solana.SignatureResult)}
}

var _ solana.SignatureWatcher = (*Watcher)(nil)

// WatchSignature returns the configured result on a closed channel.
func (w *Watcher) WatchSignature(_ context.Context, signature string) (<-chan solana.SignatureResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Watches++
	if w.Unavailable {
		return nil, ErrUnavailable
	}

	ch := make(chan solana.SignatureResult, 1)
	if res, ok := w.Results[signature]; ok {
		res.Signature = signature
		ch <- res
	}
	close(ch)
	return ch, nil
}

// Close implements solana.SignatureWatcher.
func (w *Watcher) Close() error { return nil }
