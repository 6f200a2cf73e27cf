package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MacMoment/licensing/internal/infrastructure"
	"github.com/MacMoment/licensing/pkg/contracts"
	"github.com/MacMoment/licensing/pkg/contracts/events"
)

// DefaultBroadcastQueue is the broadcast buffer used when none is configured
const DefaultBroadcastQueue = 256

// Hub fans validation events out to every connected log feed client.
// Membership changes and delivery happen on the hub goroutine; readers
// take mu.
type Hub struct {
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	queue chan []byte
	join  chan *Client
	leave chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}

	connections atomic.Int64
	sent        atomic.Int64
	dropped     atomic.Int64

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	quit      chan struct{}
	done      chan struct{}
}

// NewHub creates a hub whose broadcast queue holds queueSize messages.
// Call Start before registering clients.
func NewHub(logger *slog.Logger, metrics *Metrics, queueSize int) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if queueSize <= 0 {
		queueSize = DefaultBroadcastQueue
	}
	return &Hub{
		logger:  logger.With(slog.String("component", "websocket.hub")),
		metrics: metrics,
		now:     time.Now,
		queue:   make(chan []byte, queueSize),
		join:    make(chan *Client),
		leave:   make(chan *Client),
		clients: make(map[*Client]struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the hub goroutine. Repeated calls and calls after Stop do
// nothing.
func (h *Hub) Start() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.started || h.stopped {
		return
	}
	h.started = true
	go h.loop()
}

// Stop ends the hub goroutine and closes every client. Safe to call more
// than once.
func (h *Hub) Stop() {
	h.lifecycle.Lock()
	if !h.started || h.stopped {
		h.lifecycle.Unlock()
		return
	}
	h.stopped = true
	h.lifecycle.Unlock()

	close(h.quit)
	<-h.done

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Info("log feed stopped")
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			return
		case c := <-h.join:
			h.add(c)
		case c := <-h.leave:
			h.drop(c, "client disconnected")
		case msg := <-h.queue:
			h.deliver(msg)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.connections.Add(1)

	ctx := c.context()
	h.metrics.recordConnect(ctx)
	h.logger.InfoContext(ctx, "client registered",
		slog.String("client_id", c.id),
		slog.String("remote_addr", c.remoteAddr),
		slog.Int("total_clients", n))

	hello, err := h.encode(events.MessageTypeConnect, events.ConnectData{ClientID: c.id, APIVersion: contracts.APIVersion})
	if err != nil {
		return
	}
	if !c.offer(hello) {
		h.logger.WarnContext(ctx, "client buffer full before greeting", slog.String("client_id", c.id))
	}
}

// deliver hands msg to every client. A client whose buffer is full is
// too slow for the feed and gets disconnected.
func (h *Hub) deliver(msg []byte) {
	h.mu.RLock()
	var slow []*Client
	n := 0
	for c := range h.clients {
		if c.offer(msg) {
			n++
		} else {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.sent.Add(int64(n))
	h.metrics.recordSent(context.Background(), n)
	for _, c := range slow {
		h.metrics.recordDropped(c.context(), "client")
		h.drop(c, "client send buffer full, disconnecting")
	}
}

// drop removes c and closes its send channel, once
func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	ctx := c.context()
	lived := h.now().Sub(c.connectedAt)
	h.metrics.recordDisconnect(ctx, lived)
	h.logger.InfoContext(ctx, reason,
		slog.String("client_id", c.id),
		slog.Duration("connection_duration", lived),
		slog.Int("total_clients", n))
}

// Publish queues an event for all clients without blocking. A full queue
// drops the event.
func (h *Hub) Publish(msgType events.MessageType, data interface{}) {
	msg, err := h.encode(msgType, data)
	if err != nil {
		return
	}
	select {
	case h.queue <- msg:
	default:
		h.dropped.Add(1)
		h.metrics.recordDropped(context.Background(), "broadcast")
		h.logger.Warn("broadcast queue full, dropping message", slog.String("type", string(msgType)))
	}
}

func (h *Hub) encode(msgType events.MessageType, data interface{}) ([]byte, error) {
	msg, err := json.Marshal(events.WebSocketMessage{Type: msgType, Timestamp: h.now().UnixMilli(), Data: data})
	if err != nil {
		h.logger.Error("failed to marshal feed message", slog.String("type", string(msgType)), slog.String("error", err.Error()))
	}
	return msg, err
}

// Register hands c to the hub. After Stop the connection is closed instead.
func (h *Hub) Register(c *Client) {
	select {
	case h.join <- c:
	case <-h.quit:
		_ = c.conn.Close()
	}
}

// Unregister removes c from the hub
func (h *Hub) Unregister(c *Client) {
	select {
	case h.leave <- c:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetHubMetrics returns the hub counters for the health endpoint and tests
func (h *Hub) GetHubMetrics() map[string]interface{} {
	return map[string]interface{}{
		"active_clients":    h.ClientCount(),
		"total_connections": h.connections.Load(),
		"messages_sent":     h.sent.Load(),
		"dropped_messages":  h.dropped.Load(),
		"broadcast_queue":   len(h.queue),
	}
}
