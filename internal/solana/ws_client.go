package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/logging"
)

// ErrWatcherClosed is returned once the websocket client is closed.
var ErrWatcherClosed = errors.New("signature watcher closed")

// WSConfig configures WSClient.
type WSConfig struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SubscribeTimeout  time.Duration
	MaxReconnectDelay time.Duration
	Logger            *logrus.Logger
}

// DefaultWSConfig returns the default websocket settings.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  10 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
	}
}

// WSClient implements SignatureWatcher with signatureSubscribe.
// Watches do not survive a reconnect: their channels close and callers
// fall back to polling.
type WSClient struct {
	endpoint string
	cfg      WSConfig
	logger   *logrus.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	requestID atomic.Uint64
	closed    atomic.Bool

	mu      sync.Mutex
	pending map[uint64]*pendingWatch
	watches map[int64]*watch

	done chan struct{}
	wg   sync.WaitGroup
}

type watch struct {
	signature string
	ch        chan SignatureResult
}

// pendingWatch is registered under its subscription id by the read loop as
// soon as the server confirms, so an immediate notification is not lost.
type pendingWatch struct {
	w       *watch
	confirm chan int64
}

var _ SignatureWatcher = (*WSClient)(nil)

// NewWSClient dials endpoint and starts the read and ping loops.
func NewWSClient(ctx context.Context, endpoint string, cfg *WSConfig) (*WSClient, error) {
	c := DefaultWSConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}

	client := &WSClient{
		endpoint: endpoint,
		cfg:      c,
		logger:   c.Logger,
		pending:  make(map[uint64]*pendingWatch),
		watches:  make(map[int64]*watch),
		done:     make(chan struct{}),
	}
	if err := client.connect(ctx); err != nil {
		return nil, err
	}

	client.wg.Add(2)
	go client.readLoop()
	go client.pingLoop()
	return client, nil
}

func (c *WSClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// WatchSignature implements SignatureWatcher.
func (c *WSClient) WatchSignature(ctx context.Context, signature string) (<-chan SignatureResult, error) {
	if c.closed.Load() {
		return nil, ErrWatcherClosed
	}

	reqID := c.requestID.Add(1)
	w := &watch{signature: signature, ch: make(chan SignatureResult, 1)}
	p := &pendingWatch{w: w, confirm: make(chan int64, 1)}
	c.mu.Lock()
	c.pending[reqID] = p
	c.mu.Unlock()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "signatureSubscribe",
		Params: []interface{}{
			signature,
			map[string]interface{}{"commitment": CommitmentConfirmed},
		},
	}
	if err := c.write(req); err != nil {
		c.abandon(reqID, p)
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	timer := time.NewTimer(c.cfg.SubscribeTimeout)
	defer timer.Stop()

	var subID int64
	select {
	case id, ok := <-p.confirm:
		if !ok {
			return nil, ErrWatcherClosed
		}
		subID = id
	case <-timer.C:
		c.abandon(reqID, p)
		return nil, fmt.Errorf("signatureSubscribe timed out after %v", c.cfg.SubscribeTimeout)
	case <-ctx.Done():
		c.abandon(reqID, p)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrWatcherClosed
	}

	go func() {
		select {
		case <-ctx.Done():
			c.unwatch(subID)
		case <-c.done:
		}
	}()
	return w.ch, nil
}

// abandon gives up on a subscribe request. If the confirmation raced in,
// the server-side subscription is cancelled.
func (c *WSClient) abandon(reqID uint64, p *pendingWatch) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()

	select {
	case id, ok := <-p.confirm:
		if ok {
			c.unwatch(id)
		}
	default:
	}
}

func (c *WSClient) write(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(v)
}

// unwatch removes a watch; a watch the server already resolved is gone.
func (c *WSClient) unwatch(subID int64) {
	c.mu.Lock()
	w, ok := c.watches[subID]
	delete(c.watches, subID)
	c.mu.Unlock()
	if !ok {
		return
	}
	close(w.ch)
	if !c.closed.Load() {
		_ = c.write(wsRequest{
			JSONRPC: "2.0",
			ID:      c.requestID.Add(1),
			Method:  "signatureUnsubscribe",
			Params:  []interface{}{subID},
		})
	}
}

// Close implements SignatureWatcher.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.failAll()
	c.wg.Wait()
	return nil
}

// failAll closes every pending subscribe and every open watch.
func (c *WSClient) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		close(p.confirm)
		delete(c.pending, id)
	}
	for id, w := range c.watches {
		close(w.ch)
		delete(c.watches, id)
	}
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err == nil {
			c.handleMessage(message)
			continue
		}
		if c.closed.Load() {
			return
		}

		c.logger.WithError(err).Warn("solana websocket read failed, reconnecting")
		c.failAll()
		if !c.reconnect() {
			return
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// client closes.
func (c *WSClient) reconnect() bool {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		defer dialCancel()
		return c.connect(dialCtx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.WithError(err).WithField("retry_in", wait.String()).Debug("solana websocket redial")
	})
	return err == nil
}

func (c *WSClient) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.WithError(err).Debug("undecodable websocket message")
		return
	}

	switch {
	case env.Method == "signatureNotification" && env.Params != nil:
		c.handleNotification(env.Params)
	case env.Error != nil:
		c.logger.WithFields(logrus.Fields{
			"code": env.Error.Code,
			"id":   env.ID,
		}).Warn("solana websocket error: " + env.Error.Message)
	case env.ID != 0 && len(env.Result) > 0:
		var subID int64
		if err := json.Unmarshal(env.Result, &subID); err != nil {
			return
		}
		c.mu.Lock()
		p, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
			c.watches[subID] = p.w
			p.confirm <- subID
		}
		c.mu.Unlock()
	}
}

func (c *WSClient) handleNotification(p *wsNotificationParams) {
	c.mu.Lock()
	w, ok := c.watches[p.Subscription]
	delete(c.watches, p.Subscription)
	c.mu.Unlock()
	if !ok {
		return
	}

	res := SignatureResult{Signature: w.signature, Err: p.Result.Value.Err}
	if p.Result.Context != nil {
		res.Slot = p.Result.Context.Slot
	}
	w.ch <- res
	close(w.ch)
}

func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			}
			c.connMu.Unlock()
		}
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsEnvelope struct {
	ID     uint64                `json:"id"`
	Method string                `json:"method"`
	Result json.RawMessage       `json:"result"`
	Params *wsNotificationParams `json:"params"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type wsNotificationParams struct {
	Subscription int64 `json:"subscription"`
	Result       struct {
		Context *struct {
			Slot int64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Err interface{} `json:"err"`
		} `json:"value"`
	} `json:"result"`
}
