// Package broadcast pushes order events to connected websocket observers.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"swap-engine/internal/domain"
	"swap-engine/internal/eventbus"
	"swap-engine/internal/logging"
	"swap-engine/internal/observability"
)

// Options configures a Hub.
type Options struct {
	SendBuffer int           // Default: 64
	WriteWait  time.Duration // Default: 10s
	PongWait   time.Duration // Default: 60s
	PingPeriod time.Duration // Default: 9/10 of PongWait
	Logger     *logrus.Logger
}

// Hub tracks observers and fans events out to them. A client whose buffer
// is full or whose write fails is dropped; the sender never waits.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	logger     *logrus.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	orderID string
	once    sync.Once
	closed  chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteWait == 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait == 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod == 0 {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer: opts.SendBuffer,
		writeWait:  opts.WriteWait,
		pongWait:   opts.PongWait,
		pingPeriod: opts.PingPeriod,
		logger:     opts.Logger,
		clients:    make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the observer. An optional
// orderId query parameter limits the stream to one order.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		orderID: r.URL.Query().Get("orderId"),
		closed:  make(chan struct{}),
	}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// Run forwards events from sub until ctx is done or sub closes.
func (h *Hub) Run(ctx context.Context, sub *eventbus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			h.Broadcast(e)
		}
	}
}

// Broadcast sends e to every matching observer without blocking.
func (h *Hub) Broadcast(e domain.Event) {
	data, err := domain.EncodeEvent(e)
	if err != nil {
		h.logger.WithError(err).WithField("order_id", e.OrderID()).Error("encode event")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.orderID != "" && c.orderID != e.OrderID() {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		observability.RecordObserverDrop()
		h.logger.Debug("dropping slow websocket observer")
		h.unregister(c)
	}
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	observability.SetObservers(0)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetObservers(n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		observability.SetObservers(n)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(c)
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
