package router

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"swap-engine/internal/config"
	"swap-engine/internal/domain"
	"swap-engine/internal/logging"
	"swap-engine/internal/solana"
)

// Deps are the collaborators shared by routers.
type Deps struct {
	Oracle     PriceOracle
	RPC        solana.RPCClient
	Watcher    solana.SignatureWatcher
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// New builds the router for mode. A live request that cannot be served
// (no RPC client, or no venue with endpoints) degrades to simulated with a
// warning, since simulated fills carry no on-chain guarantees.
func New(cfg config.Config, mode domain.ExecutionMode, deps Deps) (Router, error) {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	switch mode {
	case domain.ExecutionModeLive:
		if reason := liveUnavailable(cfg, deps); reason != "" {
			deps.Logger.WithFields(logrus.Fields{
				"requested": domain.ExecutionModeLive,
				"serving":   domain.ExecutionModeSimulated,
				"reason":    reason,
			}).Warn("LIVE EXECUTION UNAVAILABLE: orders requesting live mode will be SIMULATED and never reach the chain")
			return newSimulated(cfg, deps), nil
		}
		return NewLiveRouter(LiveOptions{
			Venues:       cfg.Venues,
			RPC:          deps.RPC,
			Watcher:      deps.Watcher,
			HTTPClient:   deps.HTTPClient,
			QuoteTimeout: cfg.QuoteTimeout,
			Logger:       deps.Logger,
		}), nil
	case domain.ExecutionModeSimulated, "":
		return newSimulated(cfg, deps), nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}

func newSimulated(cfg config.Config, deps Deps) *SimulatedRouter {
	return NewSimulatedRouter(SimulatedOptions{
		Venues:          cfg.Venues,
		Oracle:          deps.Oracle,
		QuoteTimeout:    cfg.QuoteTimeout,
		SettlementDelay: cfg.SettlementDelay,
		Logger:          deps.Logger,
	})
}

func liveUnavailable(cfg config.Config, deps Deps) string {
	if deps.RPC == nil {
		return "no solana rpc endpoint configured"
	}
	for _, v := range cfg.Venues {
		if v.QuoteURL != "" && v.SwapURL != "" {
			return ""
		}
	}
	return "no venue has quote and swap endpoints"
}

// Registry hands out one router per execution mode, built on first use.
type Registry struct {
	cfg  config.Config
	deps Deps

	mu      sync.Mutex
	routers map[domain.ExecutionMode]Router
}

// NewRegistry creates a registry.
func NewRegistry(cfg config.Config, deps Deps) *Registry {
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		routers: make(map[domain.ExecutionMode]Router),
	}
}

// Register installs r for its mode, replacing any built router.
func (g *Registry) Register(r Router) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routers[r.Mode()] = r
}

// For returns the router serving mode. An empty mode means simulated.
func (g *Registry) For(mode domain.ExecutionMode) (Router, error) {
	if mode == "" {
		mode = domain.ExecutionModeSimulated
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.routers[mode]; ok {
		return r, nil
	}
	r, err := New(g.cfg, mode, g.deps)
	if err != nil {
		return nil, err
	}
	g.routers[mode] = r
	return r, nil
}
