package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
)

// PriceOracle returns the reference rate of base priced in quote.
type PriceOracle interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// tokenIDs maps token symbols to CoinGecko ids.
var tokenIDs = map[string]string{
	"SOL":  "solana",
	"USDC": "usd-coin",
	"DOGE": "dogecoin",
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"RAY":  "raydium",
}

// fallbackRates is used when the oracle is unreachable.
var fallbackRates = map[string]decimal.Decimal{
	"SOL/USDC": decimal.NewFromInt(150),
	"DOGE/SOL": decimal.RequireFromString("0.001"),
}

// FallbackRate returns the static rate for a pair, 1 when unknown.
func FallbackRate(base, quote string) decimal.Decimal {
	if r, ok := fallbackRates[strings.ToUpper(base)+"/"+strings.ToUpper(quote)]; ok {
		return r
	}
	return decimal.NewFromInt(1)
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// CoinGeckoOracle fetches USD prices from the CoinGecko simple/price API and
// caches the derived pair rate for a TTL. Failures fall back to a static table.
type CoinGeckoOracle struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedRate
}

// OracleOptions configures NewCoinGeckoOracle.
type OracleOptions struct {
	BaseURL string        // Default: https://api.coingecko.com/api/v3
	TTL     time.Duration // Default: 30s
	Timeout time.Duration // Default: 3s
	Logger  *logrus.Logger
}

// NewCoinGeckoOracle creates a caching CoinGecko oracle.
func NewCoinGeckoOracle(opts OracleOptions) *CoinGeckoOracle {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &CoinGeckoOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]cachedRate),
	}
}

// Rate returns base/quote, served from cache while fresh.
func (o *CoinGeckoOracle) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	key := strings.ToUpper(base) + "/" + strings.ToUpper(quote)

	o.mu.RLock()
	c, ok := o.cache[key]
	o.mu.RUnlock()
	if ok && o.now().Sub(c.fetchedAt) < o.ttl {
		return c.rate, nil
	}

	rate, err := o.fetch(ctx, base, quote)
	if err != nil {
		o.logger.WithError(err).WithField("pair", key).Warn("price oracle unavailable, using fallback rate")
		observability.RecordOracleFallback()
		return FallbackRate(base, quote), nil
	}

	o.mu.Lock()
	o.cache[key] = cachedRate{rate: rate, fetchedAt: o.now()}
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{"pair": key, "rate": rate.String()}).Debug("fetched oracle rate")
	return rate, nil
}

func (o *CoinGeckoOracle) fetch(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	idIn := tokenID(base)
	idOut := tokenID(quote)

	q := url.Values{}
	q.Set("ids", idIn+","+idOut)
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	pIn := usdPrice(body, idIn)
	pOut := usdPrice(body, idOut)
	return pIn.Div(pOut), nil
}

func usdPrice(body map[string]map[string]decimal.Decimal, id string) decimal.Decimal {
	if p, ok := body[id]["usd"]; ok && p.IsPositive() {
		return p
	}
	return decimal.NewFromInt(1)
}

func tokenID(symbol string) string {
	if id, ok := tokenIDs[strings.ToUpper(symbol)]; ok {
		return id
	}
	return "solana"
}

// StaticOracle returns fixed rates. Unknown pairs use FallbackRate.
type StaticOracle map[string]decimal.Decimal

// Rate implements PriceOracle.
func (s StaticOracle) Rate(_ context.Context, base, quote string) (decimal.Decimal, error) {
	if r, ok := s[strings.ToUpper(base)+"/"+strings.ToUpper(quote)]; ok {
		return r, nil
	}
	return FallbackRate(base, quote), nil
}
