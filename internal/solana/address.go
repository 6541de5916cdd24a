package solana

import (
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ErrInvalidAddress is returned when a string is not a usable wallet address.
var ErrInvalidAddress = errors.New("invalid solana address")

// ValidateAddress checks that addr is a base58 encoded 32-byte ed25519 public key.
// Program derived addresses are off-curve and are rejected; they cannot sign.
func ValidateAddress(addr string) error {
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: decoded length %d, want 32", ErrInvalidAddress, len(raw))
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return fmt.Errorf("%w: not on ed25519 curve", ErrInvalidAddress)
	}
	return nil
}

// DeriveSignature returns a base58 string shaped like a transaction signature
// (64 bytes), derived from the given parts.
func DeriveSignature(parts ...string) string {
	h := sha512.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return base58.Encode(h.Sum(nil))
}

// IsSignature reports whether s decodes to a 64-byte signature.
func IsSignature(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 64
}
