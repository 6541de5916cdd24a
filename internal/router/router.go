// Package router quotes swap prices across liquidity venues, picks the best
// route and executes the swap on the chosen venue.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"swap-engine/internal/config"
	"swap-engine/internal/domain"
	"swap-engine/internal/observability"
)

// Router errors.
var (
	// ErrNoRoute is returned when no venue produced a quote.
	ErrNoRoute = errors.New("no venue returned a quote")

	// ErrUnknownVenue is returned for a venue that is not configured.
	ErrUnknownVenue = errors.New("unknown venue")

	// ErrVenueNotImplemented is returned by the live router for a venue
	// without configured endpoints.
	ErrVenueNotImplemented = errors.New("venue has no live integration")

	// ErrExecutionFailed is returned when the venue or the chain rejected the swap.
	ErrExecutionFailed = errors.New("execution failed")
)

// Router quotes and executes swaps.
type Router interface {
	// Quote asks one venue for a price.
	Quote(ctx context.Context, venue, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error)

	// FindBest quotes every venue in parallel and returns the best quote.
	FindBest(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error)

	// Execute performs the swap on req.Quote.Venue. Repeating a call with the
	// same OrderID returns the first execution instead of swapping again.
	Execute(ctx context.Context, req ExecuteRequest) (Execution, error)

	// Mode reports which execution mode this router serves.
	Mode() domain.ExecutionMode
}

// ExecuteRequest describes a swap to perform.
type ExecuteRequest struct {
	OrderID       string
	Quote         domain.Quote
	TokenIn       string
	TokenOut      string
	Amount        decimal.Decimal
	Slippage      decimal.Decimal
	WalletAddress string
}

// Execution is the result of a swap.
type Execution struct {
	TransactionReference string
	RealizedPrice        decimal.Decimal
}

// SelectBest returns the quote with the strictly highest effective price.
// Ties keep the earlier quote, so slice order is the tie-break order.
func SelectBest(quotes []domain.Quote) (domain.Quote, bool) {
	if len(quotes) == 0 {
		return domain.Quote{}, false
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Better(best) {
			best = q
		}
	}
	return best, true
}

type quoter interface {
	Quote(ctx context.Context, venue, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error)
}

// findBest fans out to every venue, waits for all of them and picks the
// best successful quote. Single venue failures are tolerated.
func findBest(ctx context.Context, q quoter, mode domain.ExecutionMode, venues []config.Venue, timeout time.Duration,
	tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error) {
	quotes := make([]*domain.Quote, len(venues))
	errs := make([]error, len(venues))

	var g errgroup.Group
	for i, v := range venues {
		g.Go(func() error {
			qctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				qctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			start := time.Now()
			quote, err := q.Quote(qctx, v.Name, tokenIn, tokenOut, amount)
			observability.RecordQuote(v.Name, string(mode), time.Since(start).Seconds(), err)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", v.Name, err)
				return nil
			}
			quotes[i] = &quote
			return nil
		})
	}
	_ = g.Wait()

	var ok []domain.Quote
	for _, quote := range quotes {
		if quote != nil {
			ok = append(ok, *quote)
		}
	}

	best, found := SelectBest(ok)
	if !found {
		if err := ctx.Err(); err != nil {
			return domain.Quote{}, err
		}
		joined := errors.Join(errs...)
		if joined == nil {
			return domain.Quote{}, fmt.Errorf("%w: no venues configured", ErrNoRoute)
		}
		return domain.Quote{}, fmt.Errorf("%w: %w", ErrNoRoute, joined)
	}
	return best, nil
}

func venueByName(venues []config.Venue, name string) (config.Venue, bool) {
	for _, v := range venues {
		if v.Name == name {
			return v, true
		}
	}
	return config.Venue{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
