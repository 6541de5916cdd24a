package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"swap-engine/internal/config"
	"swap-engine/internal/domain"
	"swap-engine/internal/logging"
	"swap-engine/internal/solana"
)

var (
	// priceVariance is the maximum relative deviation from the oracle rate.
	priceVariance = decimal.RequireFromString("0.0002")

	// impactPerUnit scales size impact: amount/1000 × 0.001.
	impactPerUnit = decimal.RequireFromString("0.000001")

	// maxPriceImpact caps size impact so very large orders still price above zero.
	maxPriceImpact = decimal.RequireFromString("0.5")

	// maxExecutionDrift bounds the realized price slip.
	maxExecutionDrift = decimal.RequireFromString("0.0005")
)

// SimulatedOptions configures a SimulatedRouter.
type SimulatedOptions struct {
	Venues          []config.Venue
	Oracle          PriceOracle
	LatencyMin      time.Duration // Default: 20ms
	LatencyMax      time.Duration // Default: 50ms
	QuoteTimeout    time.Duration
	SettlementDelay time.Duration
	Logger          *logrus.Logger

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64

	// ExecutionRetention bounds how long settled swaps are remembered.
	// Default: DefaultExecutionRetention.
	ExecutionRetention time.Duration
}

// SimulatedRouter prices swaps from a reference oracle and fabricates
// executions. No transaction ever reaches a chain.
type SimulatedRouter struct {
	venues          []config.Venue
	oracle          PriceOracle
	latencyMin      time.Duration
	latencyMax      time.Duration
	quoteTimeout    time.Duration
	settlementDelay time.Duration
	logger          *logrus.Logger
	rand            func() float64

	flight singleflight.Group
	done   *executionCache
}

var _ Router = (*SimulatedRouter)(nil)

// NewSimulatedRouter creates a simulated router.
func NewSimulatedRouter(opts SimulatedOptions) *SimulatedRouter {
	if opts.Oracle == nil {
		opts.Oracle = StaticOracle{}
	}
	if opts.LatencyMin == 0 && opts.LatencyMax == 0 {
		opts.LatencyMin = 20 * time.Millisecond
		opts.LatencyMax = 50 * time.Millisecond
	}
	if opts.LatencyMax < opts.LatencyMin {
		opts.LatencyMax = opts.LatencyMin
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	return &SimulatedRouter{
		venues:          opts.Venues,
		oracle:          opts.Oracle,
		latencyMin:      opts.LatencyMin,
		latencyMax:      opts.LatencyMax,
		quoteTimeout:    opts.QuoteTimeout,
		settlementDelay: opts.SettlementDelay,
		logger:          opts.Logger,
		rand:            opts.Rand,
		done:            newExecutionCache(opts.ExecutionRetention),
	}
}

// Mode implements Router.
func (r *SimulatedRouter) Mode() domain.ExecutionMode { return domain.ExecutionModeSimulated }

// Quote implements Router.
func (r *SimulatedRouter) Quote(ctx context.Context, venue, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error) {
	v, ok := venueByName(r.venues, venue)
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}

	if err := sleepCtx(ctx, r.latency()); err != nil {
		return domain.Quote{}, err
	}

	rate, err := r.oracle.Rate(ctx, tokenIn, tokenOut)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("reference rate: %w", err)
	}

	one := decimal.NewFromInt(1)
	sign := one
	if r.rand() <= 0.5 {
		sign = sign.Neg()
	}
	deviation := rate.Mul(priceVariance).Mul(decimal.NewFromFloat(r.rand())).Mul(sign)
	raw := rate.Add(deviation)

	impact := decimal.Min(amount.Mul(impactPerUnit), maxPriceImpact)
	price := raw.Mul(one.Sub(impact))

	return domain.NewQuote(v.Name, price, v.Fee), nil
}

// FindBest implements Router.
func (r *SimulatedRouter) FindBest(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error) {
	return findBest(ctx, r, r.Mode(), r.venues, r.quoteTimeout, tokenIn, tokenOut, amount)
}

// Execute implements Router. Concurrent and repeated calls for one order
// share a single execution.
func (r *SimulatedRouter) Execute(ctx context.Context, req ExecuteRequest) (Execution, error) {
	if req.OrderID == "" {
		return Execution{}, fmt.Errorf("%w: missing order id", ErrExecutionFailed)
	}
	if _, ok := venueByName(r.venues, req.Quote.Venue); !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownVenue, req.Quote.Venue)
	}

	if prev, ok := r.done.get(req.OrderID); ok {
		return prev, nil
	}

	v, err, _ := r.flight.Do(req.OrderID, func() (any, error) {
		if err := sleepCtx(ctx, r.settlementDelay); err != nil {
			return Execution{}, err
		}

		exec := Execution{
			TransactionReference: solana.DeriveSignature(req.OrderID, req.Quote.Venue, uuid.NewString()),
			RealizedPrice:        r.realize(req.Quote.Price, req.Slippage),
		}

		r.done.put(req.OrderID, exec)

		r.logger.WithFields(logrus.Fields{
			"order_id": req.OrderID,
			"venue":    req.Quote.Venue,
			"price":    exec.RealizedPrice.String(),
		}).Debug("simulated swap settled")
		return exec, nil
	})
	if err != nil {
		return Execution{}, err
	}
	return v.(Execution), nil
}

// realize applies a slip of at most min(slippage, maxExecutionDrift).
func (r *SimulatedRouter) realize(price, slippage decimal.Decimal) decimal.Decimal {
	bound := decimal.Min(slippage.Abs(), maxExecutionDrift)
	drift := bound.Mul(decimal.NewFromFloat(2*r.rand() - 1))
	return price.Mul(decimal.NewFromInt(1).Add(drift))
}

func (r *SimulatedRouter) latency() time.Duration {
	span := r.latencyMax - r.latencyMin
	if span <= 0 {
		return r.latencyMin
	}
	return r.latencyMin + time.Duration(r.rand()*float64(span))
}
