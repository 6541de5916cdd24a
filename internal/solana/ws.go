package solana

import "context"

// SignatureWatcher streams confirmation of submitted transactions over the
// RPC websocket.
type SignatureWatcher interface {
	// WatchSignature subscribes to signature at confirmed commitment. The
	// channel yields at most one result and is closed afterwards, or without
	// a result when the connection drops.
	WatchSignature(ctx context.Context, signature string) (<-chan SignatureResult, error)

	Close() error
}

// SignatureResult is the cluster's verdict on a watched signature. Err is
// non-nil when the transaction failed on chain.
type SignatureResult struct {
	Signature string
	Slot      int64
	Err       interface{}
}
