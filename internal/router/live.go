package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"swap-engine/internal/config"
	"swap-engine/internal/domain"
	"swap-engine/internal/logging"
	"swap-engine/internal/solana"
)

// LiveOptions configures a LiveRouter.
type LiveOptions struct {
	Venues       []config.Venue
	RPC          solana.RPCClient
	Watcher      solana.SignatureWatcher // optional; polling is used without it
	HTTPClient   *http.Client
	QuoteTimeout time.Duration
	ConfirmWait  time.Duration // Default: 60s
	PollInterval time.Duration // Default: 500ms
	Logger       *logrus.Logger

	// ExecutionRetention bounds how long settled swaps are remembered.
	// Default: DefaultExecutionRetention.
	ExecutionRetention time.Duration
}

// LiveRouter talks to venue HTTP endpoints and confirms swaps on chain.
type LiveRouter struct {
	venues       []config.Venue
	rpc          solana.RPCClient
	watcher      solana.SignatureWatcher
	client       *http.Client
	quoteTimeout time.Duration
	confirmWait  time.Duration
	pollInterval time.Duration
	logger       *logrus.Logger

	flight singleflight.Group
	done   *executionCache
}

var _ Router = (*LiveRouter)(nil)

// NewLiveRouter creates a live router.
func NewLiveRouter(opts LiveOptions) *LiveRouter {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.ConfirmWait == 0 {
		opts.ConfirmWait = 60 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &LiveRouter{
		venues:       opts.Venues,
		rpc:          opts.RPC,
		watcher:      opts.Watcher,
		client:       opts.HTTPClient,
		quoteTimeout: opts.QuoteTimeout,
		confirmWait:  opts.ConfirmWait,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		done:         newExecutionCache(opts.ExecutionRetention),
	}
}

// Mode implements Router.
func (r *LiveRouter) Mode() domain.ExecutionMode { return domain.ExecutionModeLive }

type quoteResponse struct {
	Price decimal.Decimal `json:"price"`
}

type swapRequest struct {
	OrderID       string          `json:"orderId"`
	TokenIn       string          `json:"tokenIn"`
	TokenOut      string          `json:"tokenOut"`
	Amount        decimal.Decimal `json:"amount"`
	Slippage      decimal.Decimal `json:"slippage"`
	WalletAddress string          `json:"walletAddress"`
	QuotedPrice   decimal.Decimal `json:"quotedPrice"`
}

type swapResponse struct {
	Signature     string          `json:"signature"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
}

// Quote implements Router.
func (r *LiveRouter) Quote(ctx context.Context, venue, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error) {
	v, ok := venueByName(r.venues, venue)
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	if v.QuoteURL == "" {
		return domain.Quote{}, fmt.Errorf("%w: %s quote", ErrVenueNotImplemented, venue)
	}

	q := url.Values{}
	q.Set("tokenIn", tokenIn)
	q.Set("tokenOut", tokenOut)
	q.Set("amount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.QuoteURL+"?"+q.Encode(), nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("create request: %w", err)
	}

	var body quoteResponse
	if err := r.do(req, &body); err != nil {
		return domain.Quote{}, fmt.Errorf("%s quote: %w", venue, err)
	}
	if !body.Price.IsPositive() {
		return domain.Quote{}, fmt.Errorf("%s quote: non-positive price %s", venue, body.Price)
	}

	return domain.NewQuote(v.Name, body.Price, v.Fee), nil
}

// FindBest implements Router.
func (r *LiveRouter) FindBest(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (domain.Quote, error) {
	return findBest(ctx, r, r.Mode(), r.venues, r.quoteTimeout, tokenIn, tokenOut, amount)
}

// Execute implements Router. The order id is sent as Idempotency-Key so a
// venue that already accepted the swap returns the same signature.
func (r *LiveRouter) Execute(ctx context.Context, req ExecuteRequest) (Execution, error) {
	v, ok := venueByName(r.venues, req.Quote.Venue)
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownVenue, req.Quote.Venue)
	}
	if v.SwapURL == "" {
		return Execution{}, fmt.Errorf("%w: %s swap", ErrVenueNotImplemented, v.Name)
	}
	if r.rpc == nil {
		return Execution{}, fmt.Errorf("%w: no rpc client", ErrExecutionFailed)
	}

	if prev, ok := r.done.get(req.OrderID); ok {
		return prev, nil
	}

	res, err, _ := r.flight.Do(req.OrderID, func() (any, error) {
		exec, err := r.submit(ctx, v, req)
		if err != nil {
			return Execution{}, err
		}
		if err := r.confirm(ctx, exec.TransactionReference); err != nil {
			return Execution{}, err
		}

		r.done.put(req.OrderID, exec)
		return exec, nil
	})
	if err != nil {
		return Execution{}, err
	}
	return res.(Execution), nil
}

func (r *LiveRouter) submit(ctx context.Context, v config.Venue, req ExecuteRequest) (Execution, error) {
	payload, err := json.Marshal(swapRequest{
		OrderID:       req.OrderID,
		TokenIn:       req.TokenIn,
		TokenOut:      req.TokenOut,
		Amount:        req.Amount,
		Slippage:      req.Slippage,
		WalletAddress: req.WalletAddress,
		QuotedPrice:   req.Quote.Price,
	})
	if err != nil {
		return Execution{}, fmt.Errorf("marshal swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.SwapURL, bytes.NewReader(payload))
	if err != nil {
		return Execution{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OrderID)

	var body swapResponse
	if err := r.do(httpReq, &body); err != nil {
		return Execution{}, fmt.Errorf("%w: %s swap: %w", ErrExecutionFailed, v.Name, err)
	}
	if !solana.IsSignature(body.Signature) {
		return Execution{}, fmt.Errorf("%w: %s returned malformed signature", ErrExecutionFailed, v.Name)
	}

	price := body.ExecutedPrice
	if !price.IsPositive() {
		price = req.Quote.Price
	}
	return Execution{TransactionReference: body.Signature, RealizedPrice: price}, nil
}

var errNotLanded = errors.New("signature not landed")

// confirm waits until the transaction lands, fails on chain, or
// ConfirmWait elapses. A websocket watch is tried first; if it cannot be
// set up or drops, getSignatureStatuses is polled.
func (r *LiveRouter) confirm(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, r.confirmWait)
	defer cancel()

	if r.watcher != nil {
		done, err := r.watch(ctx, signature)
		if done {
			return err
		}
	}
	return r.poll(ctx, signature)
}

// watch reports done=false when the caller should fall back to polling.
func (r *LiveRouter) watch(ctx context.Context, signature string) (bool, error) {
	log := r.logger.WithField("signature", signature)

	ch, err := r.watcher.WatchSignature(ctx, signature)
	if err != nil {
		log.WithError(err).Debug("signature watch unavailable, polling")
		return false, nil
	}

	select {
	case res, ok := <-ch:
		if !ok {
			log.Debug("signature watch dropped, polling")
			return false, nil
		}
		if res.Err != nil {
			return true, fmt.Errorf("%w: transaction error: %v", ErrExecutionFailed, res.Err)
		}
		return true, nil
	case <-ctx.Done():
		return true, fmt.Errorf("%w: confirm %s: %w", ErrExecutionFailed, signature, ctx.Err())
	}
}

func (r *LiveRouter) poll(ctx context.Context, signature string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.pollInterval
	b.MaxInterval = 4 * r.pollInterval
	b.MaxElapsedTime = 0

	op := func() error {
		statuses, err := r.rpc.GetSignatureStatuses(ctx, []string{signature})
		if err != nil {
			return err
		}
		if len(statuses) == 0 || statuses[0] == nil {
			return errNotLanded
		}
		st := statuses[0]
		if st.Err != nil {
			return backoff.Permanent(fmt.Errorf("%w: transaction error: %v", ErrExecutionFailed, st.Err))
		}
		if !st.Landed() {
			return errNotLanded
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"signature": signature,
			"wait":      wait,
		}).WithError(err).Debug("waiting for confirmation")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if errors.Is(err, ErrExecutionFailed) {
			return err
		}
		return fmt.Errorf("%w: confirm %s: %w", ErrExecutionFailed, signature, err)
	}
	return nil
}

func (r *LiveRouter) do(req *http.Request, out any) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
