// Package main runs the swap execution engine: the HTTP ingress, the
// websocket broadcaster and the worker pool, wired to the configured
// store, queue and event bus backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"swap-engine/internal/api"
	"swap-engine/internal/broadcast"
	"swap-engine/internal/config"
	"swap-engine/internal/domain"
	"swap-engine/internal/eventbus"
	"swap-engine/internal/logging"
	"swap-engine/internal/queue"
	"swap-engine/internal/router"
	"swap-engine/internal/solana"
	"swap-engine/internal/storage"
	chstore "swap-engine/internal/storage/clickhouse"
	"swap-engine/internal/storage/memory"
	"swap-engine/internal/storage/migrations"
	pgstore "swap-engine/internal/storage/postgres"
	"swap-engine/internal/worker"
)

// Process roles. A split deployment runs one "api" and any number of
// "worker" processes against shared Redis and Postgres.
const (
	roleAll    = "all"
	roleAPI    = "api"
	roleWorker = "worker"
)

const shutdownGrace = 30 * time.Second

type options struct {
	cfg        config.Config
	role       string
	mode       domain.ExecutionMode
	venuesFile string
}

func main() {
	config.LoadEnvFile(".env")
	opts := parseFlags()

	logger, err := logging.New(logging.Options{Level: opts.cfg.LogLevel, Format: opts.cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	if opts.venuesFile != "" {
		venues, err := config.LoadVenues(opts.venuesFile)
		if err != nil {
			logger.WithError(err).Fatal("load venues")
		}
		opts.cfg.Venues = venues
	}
	if err := validate(opts); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("shutting down, waiting for in-flight orders")
		cancel()

		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Warn("second signal, forcing exit")
			os.Exit(1)
		case <-time.After(shutdownGrace):
			logger.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, opts, logger)
	close(done)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("server stopped")
	}
	logger.Info("shutdown complete")
}

func parseFlags() options {
	def := config.Default()
	cfg := def

	flag.StringVar(&cfg.HTTPAddr, "addr", config.EnvString("HTTP_ADDR", def.HTTPAddr), "HTTP listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", config.EnvString("LOG_LEVEL", def.LogLevel), "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", config.EnvString("LOG_FORMAT", def.LogFormat), "Log format: text or json")

	flag.StringVar(&cfg.StoreBackend, "store", config.EnvString("STORE_BACKEND", def.StoreBackend), "Order store: memory or postgres")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	flag.StringVar(&cfg.ClickhouseDSN, "clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse DSN for execution records (optional)")

	flag.StringVar(&cfg.QueueBackend, "queue", config.EnvString("QUEUE_BACKEND", def.QueueBackend), "Work queue: memory or redis")
	flag.StringVar(&cfg.BusBackend, "bus", config.EnvString("BUS_BACKEND", def.BusBackend), "Event bus: memory, redis or amqp")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", config.EnvString("REDIS_ADDR", def.RedisAddr), "Redis address")
	flag.StringVar(&cfg.AMQPURL, "amqp-url", os.Getenv("AMQP_URL"), "RabbitMQ URL")
	flag.StringVar(&cfg.QueuePrefix, "queue-prefix", config.EnvString("QUEUE_PREFIX", def.QueuePrefix), "Redis key prefix for the work queue")

	flag.StringVar(&cfg.SolanaRPCEndpoint, "rpc-endpoint", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint")
	flag.StringVar(&cfg.SolanaWSEndpoint, "ws-endpoint", os.Getenv("SOLANA_WS_ENDPOINT"), "Solana RPC websocket endpoint for confirmations (optional)")
	flag.StringVar(&cfg.PriceOracleURL, "oracle-url", config.EnvString("PRICE_ORACLE_URL", def.PriceOracleURL), "Price oracle base URL")
	flag.DurationVar(&cfg.OracleTTL, "oracle-ttl", config.EnvDuration("ORACLE_TTL", def.OracleTTL), "Oracle cache TTL")
	flag.DurationVar(&cfg.QuoteTimeout, "quote-timeout", config.EnvDuration("QUOTE_TIMEOUT", def.QuoteTimeout), "Per-venue quote timeout")

	flag.IntVar(&cfg.Concurrency, "concurrency", config.EnvInt("WORKER_CONCURRENCY", def.Concurrency), "Jobs processed at once")
	flag.IntVar(&cfg.RateLimit, "rate-limit", config.EnvInt("RATE_LIMIT", def.RateLimit), "Jobs started per rate window (negative disables)")
	flag.DurationVar(&cfg.RateWindow, "rate-window", config.EnvDuration("RATE_WINDOW", def.RateWindow), "Rate limit window")
	flag.DurationVar(&cfg.SoftBudget, "soft-budget", config.EnvDuration("SOFT_BUDGET", def.SoftBudget), "Per-order soft time budget")
	flag.DurationVar(&cfg.HardCutoff, "hard-cutoff", config.EnvDuration("HARD_CUTOFF", def.HardCutoff), "Per-order hard cutoff before submission")
	flag.DurationVar(&cfg.RoutingFloor, "routing-floor", config.EnvDuration("ROUTING_FLOOR", def.RoutingFloor), "Minimum time spent in routing")
	flag.DurationVar(&cfg.StageDwell, "stage-dwell", config.EnvDuration("STAGE_DWELL", def.StageDwell), "Pause between later stages")
	flag.DurationVar(&cfg.SettlementDelay, "settlement-delay", config.EnvDuration("SETTLEMENT_DELAY", def.SettlementDelay), "Simulated settlement delay")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", config.EnvInt("MAX_ATTEMPTS", def.MaxAttempts), "Delivery attempts per order")
	flag.DurationVar(&cfg.BackoffBase, "backoff", config.EnvDuration("BACKOFF_BASE", def.BackoffBase), "Retry backoff base")
	flag.DurationVar(&cfg.LeaseTTL, "lease-ttl", config.EnvDuration("LEASE_TTL", def.LeaseTTL), "Redis job lease TTL")

	role := flag.String("role", config.EnvString("ROLE", roleAll), "Process role: all, api or worker")
	mode := flag.String("mode", config.EnvString("EXECUTION_MODE", string(domain.ExecutionModeSimulated)), "Default execution mode: simulated or live")
	venuesFile := flag.String("venues", os.Getenv("VENUES_FILE"), "YAML venue schedule (optional)")

	flag.Parse()

	return options{cfg: cfg, role: *role, mode: domain.ExecutionMode(*mode), venuesFile: *venuesFile}
}

func validate(opts options) error {
	if err := opts.cfg.Validate(); err != nil {
		return err
	}
	if !opts.mode.Valid() {
		return fmt.Errorf("unknown execution mode %q", opts.mode)
	}
	switch opts.role {
	case roleAll:
	case roleAPI, roleWorker:
		if opts.cfg.QueueBackend == config.BackendMemory || opts.cfg.StoreBackend == config.BackendMemory ||
			opts.cfg.BusBackend == config.BackendMemory {
			return fmt.Errorf("role %q needs shared store, queue and bus backends", opts.role)
		}
	default:
		return fmt.Errorf("unknown role %q", opts.role)
	}
	return nil
}

// resources collects everything that must be closed on the way out.
type resources struct {
	closers []func() error
}

func (r *resources) add(fn func() error) { r.closers = append(r.closers, fn) }

func (r *resources) close(logger *logrus.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.WithError(err).Warn("close")
		}
	}
}

func run(ctx context.Context, opts options, logger *logrus.Logger) error {
	cfg := opts.cfg
	res := &resources{}
	defer res.close(logger)

	orders, records, err := openStores(ctx, cfg, logger, res)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.QueueBackend == config.BackendRedis || cfg.BusBackend == config.BackendRedis {
		rdb, err = connectRedis(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return err
		}
		res.add(rdb.Close)
	}

	q := openQueue(cfg, rdb, logger)
	res.add(q.Close)

	bus, err := openBus(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	res.add(bus.Close)

	var rpc solana.RPCClient
	if cfg.SolanaRPCEndpoint != "" {
		rpc = solana.NewHTTPClient(cfg.SolanaRPCEndpoint)
		slotCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		slot, err := rpc.GetSlot(slotCtx)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("solana rpc unreachable at startup")
		} else {
			logger.WithField("slot", slot).Info("solana rpc reachable")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	var stats api.StatsSource
	if opts.role != roleAPI {
		var watcher solana.SignatureWatcher
		if cfg.SolanaWSEndpoint != "" {
			wsCfg := solana.DefaultWSConfig()
			wsCfg.Logger = logger
			ws, err := solana.NewWSClient(ctx, cfg.SolanaWSEndpoint, &wsCfg)
			if err != nil {
				logger.WithError(err).Warn("solana websocket unavailable, confirmations will poll")
			} else {
				res.add(ws.Close)
				watcher = ws
			}
		}

		routers := router.NewRegistry(cfg, router.Deps{
			Oracle: router.NewCoinGeckoOracle(router.OracleOptions{
				BaseURL: cfg.PriceOracleURL,
				TTL:     cfg.OracleTTL,
				Timeout: cfg.OracleTimeout,
				Logger:  logger,
			}),
			RPC:        rpc,
			Watcher:    watcher,
			HTTPClient: &http.Client{Timeout: cfg.QuoteTimeout * 2},
			Logger:     logger,
		})
		// Build the default router up front so a live fallback warns at startup.
		if _, err := routers.For(opts.mode); err != nil {
			return err
		}

		executor := worker.NewExecutor(worker.ExecutorOptions{
			Orders:       orders,
			Records:      records,
			Bus:          bus,
			Routers:      routers,
			RoutingFloor: cfg.RoutingFloor,
			StageDwell:   cfg.StageDwell,
			SoftBudget:   cfg.SoftBudget,
			HardCutoff:   cfg.HardCutoff,
			Logger:       logger,
		})
		pool := worker.NewPool(worker.PoolOptions{
			Queue:       q,
			Handler:     executor,
			Concurrency: cfg.Concurrency,
			RateLimit:   cfg.RateLimit,
			RateWindow:  cfg.RateWindow,
			Logger:      logger,
		})
		stats = pool.Stats()

		g.Go(func() error {
			return pool.Run(ctx)
		})
	}

	if opts.role != roleWorker {
		hub := broadcast.NewHub(broadcast.Options{Logger: logger})
		sub, err := bus.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", domain.OrderUpdatesChannel, err)
		}
		g.Go(func() error {
			hub.Run(ctx, sub)
			return nil
		})

		svc := api.NewService(api.ServiceOptions{
			Orders: orders,
			Queue:  q,
			Bus:    bus,
			JobOptions: queue.Options{
				MaxAttempts: cfg.MaxAttempts,
				Backoff:     queue.Backoff{Base: cfg.BackoffBase},
			},
			DefaultMode: opts.mode,
			Logger:      logger,
		})
		server := api.NewServer(api.Options{
			Addr:        cfg.HTTPAddr,
			Service:     svc,
			Observers:   hub,
			RPC:         rpc,
			Records:     records,
			Stats:       stats,
			DefaultMode: opts.mode,
			Logger:      logger,
		})

		g.Go(server.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			hub.Close()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.WithFields(logrus.Fields{
		"role":   opts.role,
		"mode":   opts.mode,
		"store":  cfg.StoreBackend,
		"queue":  cfg.QueueBackend,
		"bus":    cfg.BusBackend,
		"venues": len(cfg.Venues),
	}).Info("swap engine started")

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func openStores(ctx context.Context, cfg config.Config, logger *logrus.Logger, res *resources) (storage.OrderStore, storage.ExecutionRecordStore, error) {
	var orders storage.OrderStore = memory.NewOrderStore()
	var records storage.ExecutionRecordStore = memory.NewExecutionRecordStore()

	if cfg.StoreBackend == config.BackendPostgres {
		pool, err := retry(ctx, logger, "postgres", func() (*pgstore.Pool, error) {
			return pgstore.NewPool(ctx, cfg.PostgresDSN)
		})
		if err != nil {
			return nil, nil, err
		}
		res.add(func() error { pool.Close(); return nil })

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		orders = pgstore.NewOrderStore(pool)
		logger.Info("order store: postgres")
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := retry(ctx, logger, "clickhouse", func() (*chstore.Conn, error) {
			return migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		})
		if err != nil {
			return nil, nil, err
		}
		res.add(conn.Close)
		records = chstore.NewExecutionRecordStore(conn)
		logger.Info("execution records: clickhouse")
	}

	return orders, records, nil
}

func connectRedis(ctx context.Context, addr string, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	_, err := retry(ctx, logger, "redis", func() (string, error) {
		return client.Ping(ctx).Result()
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func openQueue(cfg config.Config, rdb *redis.Client, logger *logrus.Logger) queue.Queue {
	if cfg.QueueBackend == config.BackendRedis {
		return queue.NewRedisQueue(rdb, queue.RedisOptions{
			Prefix:   cfg.QueuePrefix,
			LeaseTTL: cfg.LeaseTTL,
			Logger:   logger,
		})
	}
	return queue.NewMemoryQueue()
}

func openBus(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *logrus.Logger) (eventbus.Bus, error) {
	switch cfg.BusBackend {
	case config.BackendRedis:
		return eventbus.NewRedisBus(rdb, domain.OrderUpdatesChannel, logger), nil
	case config.BackendAMQP:
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		conn, err := eventbus.DialAMQP(dialCtx, cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		bus, err := eventbus.NewAMQPBus(conn, domain.OrderUpdatesChannel, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return bus, nil
	default:
		return eventbus.NewMemoryBus(), nil
	}
}

// retry calls fn with exponential backoff until it succeeds, ctx is done or
// 30 seconds have passed.
func retry[T any](ctx context.Context, logger *logrus.Logger, what string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	v, err := backoff.RetryNotifyWithData(fn, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{"target": what, "retry_in": next.String()}).Warn("connect failed")
	})
	if err != nil {
		return v, fmt.Errorf("connect %s: %w", what, err)
	}
	return v, nil
}
