package solana

import "context"

// RPCClient is the subset of the Solana JSON-RPC API the live router needs.
type RPCClient interface {
	// GetSignatureStatuses returns one entry per signature; an entry is nil
	// when the cluster has not seen that signature.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)

	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, address string) (uint64, error)

	// GetSlot returns the current slot.
	GetSlot(ctx context.Context) (int64, error)
}

// Commitment levels reported by getSignatureStatuses.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SignatureStatus is the cluster's view of a submitted transaction.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *uint64 // nil once finalized
	Err                interface{}
	ConfirmationStatus string
}

// Landed reports whether the transaction reached at least confirmed commitment
// without an execution error.
func (s *SignatureStatus) Landed() bool {
	if s == nil || s.Err != nil {
		return false
	}
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}
