// Package api exposes the HTTP ingress for swap orders.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/domain"
	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
	"swap-engine/internal/solana"
	"swap-engine/internal/storage"
	"swap-engine/internal/worker"
)

// StatsSource reports worker counters for /status.
type StatsSource interface {
	Snapshot() worker.Snapshot
}

// ObserverCounter reports connected websocket observers.
type ObserverCounter interface {
	Count() int
}

// Options configures a Server.
type Options struct {
	Addr        string
	Service     *Service
	Observers   http.Handler
	RPC         solana.RPCClient
	Records     storage.ExecutionRecordStore
	Stats       StatsSource
	DefaultMode domain.ExecutionMode
	Logger      *logrus.Logger
}

// Server is the gin HTTP server.
type Server struct {
	opts    Options
	engine  *gin.Engine
	http    *http.Server
	started time.Time
	logger  *logrus.Logger
}

// NewServer builds the router and registers every route.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = domain.ExecutionModeSimulated
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(opts.Logger))

	s := &Server{
		opts:    opts,
		engine:  engine,
		started: time.Now(),
		logger:  opts.Logger,
	}
	s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(observability.Handler()))
	if s.opts.Observers != nil {
		r.GET("/ws", gin.WrapH(s.opts.Observers))
	}

	api := r.Group("/api")
	api.POST("/orders/execute", s.handleExecute)
	api.GET("/orders", s.handleList)
	api.GET("/orders/:id", s.handleGet)
	api.POST("/verify-wallet", s.handleVerifyWallet)
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.opts.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	}
}
