// Package config holds runtime settings shared by the binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the queue, bus and store selectors.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendAMQP     = "amqp"
	BackendPostgres = "postgres"
)

// Venue describes one liquidity venue. Declaration order is the routing
// tie-break order.
type Venue struct {
	Name     string
	Fee      decimal.Decimal
	QuoteURL string
	SwapURL  string
}

// Config is the full runtime configuration.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	StoreBackend  string
	PostgresDSN   string
	ClickhouseDSN string

	QueueBackend string
	BusBackend   string
	RedisAddr    string
	AMQPURL      string
	QueuePrefix  string

	SolanaRPCEndpoint string
	SolanaWSEndpoint  string
	PriceOracleURL    string
	OracleTTL         time.Duration
	OracleTimeout     time.Duration
	QuoteTimeout      time.Duration

	Venues []Venue

	Concurrency     int
	RateLimit       int
	RateWindow      time.Duration
	SoftBudget      time.Duration
	HardCutoff      time.Duration
	RoutingFloor    time.Duration
	StageDwell      time.Duration
	SettlementDelay time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	LeaseTTL        time.Duration
}

// DefaultVenues returns the built-in venue set.
func DefaultVenues() []Venue {
	return []Venue{
		{Name: "Raydium", Fee: decimal.RequireFromString("0.0025")},
		{Name: "Meteora", Fee: decimal.RequireFromString("0.003")},
	}
}

// Default returns a configuration with every tunable at its default.
func Default() Config {
	return Config{
		HTTPAddr:        ":3000",
		LogLevel:        "info",
		LogFormat:       "text",
		StoreBackend:    BackendMemory,
		QueueBackend:    BackendMemory,
		BusBackend:      BackendMemory,
		RedisAddr:       "localhost:6379",
		QueuePrefix:     "swap:orders",
		PriceOracleURL:  "https://api.coingecko.com/api/v3",
		OracleTTL:       30 * time.Second,
		OracleTimeout:   3 * time.Second,
		QuoteTimeout:    3 * time.Second,
		Venues:          DefaultVenues(),
		Concurrency:     50,
		RateLimit:       500,
		RateWindow:      time.Minute,
		SoftBudget:      10 * time.Second,
		HardCutoff:      30 * time.Second,
		RoutingFloor:    time.Second,
		StageDwell:      time.Second,
		SettlementDelay: 2 * time.Second,
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		LeaseTTL:        30 * time.Second,
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	seen := make(map[string]bool)
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue name is required")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate venue %q", v.Name)
		}
		seen[v.Name] = true
		if v.Fee.IsNegative() || v.Fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("venue %s: fee must be in [0,1)", v.Name)
		}
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.HardCutoff > 0 && c.HardCutoff < c.SoftBudget {
		return fmt.Errorf("hard cutoff %v is shorter than soft budget %v", c.HardCutoff, c.SoftBudget)
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres store requires a DSN")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	switch c.BusBackend {
	case BackendMemory, BackendRedis:
	case BackendAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("amqp bus requires a URL")
		}
	default:
		return fmt.Errorf("unknown bus backend %q", c.BusBackend)
	}
	return nil
}

// venueFile matches the YAML venue schedule.
type venueFile struct {
	Venues []struct {
		Name     string `yaml:"name"`
		Fee      string `yaml:"fee"`
		QuoteURL string `yaml:"quote_url"`
		SwapURL  string `yaml:"swap_url"`
	} `yaml:"venues"`
}

// LoadVenues reads a venue schedule from a YAML file.
func LoadVenues(path string) ([]Venue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venue config: %w", err)
	}
	return ParseVenues(data)
}

// ParseVenues parses a YAML venue schedule.
func ParseVenues(data []byte) ([]Venue, error) {
	var f venueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse venue config: %w", err)
	}

	venues := make([]Venue, 0, len(f.Venues))
	for _, v := range f.Venues {
		fee, err := decimal.NewFromString(v.Fee)
		if err != nil {
			return nil, fmt.Errorf("venue %s: parse fee %q: %w", v.Name, v.Fee, err)
		}
		venues = append(venues, Venue{
			Name:     v.Name,
			Fee:      fee,
			QuoteURL: v.QuoteURL,
			SwapURL:  v.SwapURL,
		})
	}
	return venues, nil
}

// LoadEnvFile loads KEY=VALUE lines from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// EnvString returns the environment value for key or def.
func EnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer environment value for key or def.
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// EnvDuration returns the duration environment value for key or def.
func EnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
