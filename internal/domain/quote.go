package domain

import "github.com/shopspring/decimal"

// Quote is a venue's price for a swap. Quotes are never persisted.
type Quote struct {
	Venue          string
	Price          decimal.Decimal
	Fee            decimal.Decimal
	EffectivePrice decimal.Decimal
}

// NewQuote builds a quote with EffectivePrice = Price × (1 − Fee).
func NewQuote(venue string, price, fee decimal.Decimal) Quote {
	return Quote{
		Venue:          venue,
		Price:          price,
		Fee:            fee,
		EffectivePrice: price.Mul(decimal.NewFromInt(1).Sub(fee)),
	}
}

// Better reports whether q strictly beats other on effective price.
func (q Quote) Better(other Quote) bool {
	return q.EffectivePrice.GreaterThan(other.EffectivePrice)
}
