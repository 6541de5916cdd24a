package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidPayload is returned when a job payload fails validation.
var ErrInvalidPayload = errors.New("invalid job payload")

// JobPayload is the queued description of an order to execute.
type JobPayload struct {
	OrderID       string          `json:"orderId"`
	TokenIn       string          `json:"tokenIn"`
	TokenOut      string          `json:"tokenOut"`
	Amount        decimal.Decimal `json:"amount"`
	Slippage      decimal.Decimal `json:"slippage"`
	WalletAddress string          `json:"walletAddress"`
	ExecutionMode ExecutionMode   `json:"executionMode"`
}

// PayloadFromOrder builds the job payload for o.
func PayloadFromOrder(o *Order) JobPayload {
	return JobPayload{
		OrderID:       o.ID,
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		Amount:        o.Amount,
		Slippage:      o.Slippage,
		WalletAddress: o.WalletAddress,
		ExecutionMode: o.ExecutionMode,
	}
}

// Validate checks the payload carries enough to execute.
func (p JobPayload) Validate() error {
	switch {
	case p.OrderID == "":
		return errors.Join(ErrInvalidPayload, errors.New("missing orderId"))
	case p.TokenIn == "" || p.TokenOut == "":
		return errors.Join(ErrInvalidPayload, errors.New("missing token pair"))
	case !p.Amount.IsPositive():
		return errors.Join(ErrInvalidPayload, errors.New("amount must be positive"))
	case p.ExecutionMode != "" && !p.ExecutionMode.Valid():
		return errors.Join(ErrInvalidPayload, errors.New("unknown execution mode"))
	}
	return nil
}
