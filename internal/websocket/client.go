package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MacMoment/licensing/internal/infrastructure"
)

const (
	writeWait = 10 * time.Second

	// inbound frames are only control traffic
	maxMessageSize = 512

	sendBuffer = 64
)

// Connection is the part of a gorilla connection the pumps need, with
// RemoteAddr flattened to a string
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

type gorillaConn struct {
	*websocket.Conn
}

func (c gorillaConn) RemoteAddr() string {
	if a := c.Conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// NewConnectionWrapper adapts an upgraded connection to Connection
func NewConnectionWrapper(conn *websocket.Conn) Connection {
	return gorillaConn{conn}
}

// PumpConfig sets the keepalive periods. PingPeriod must be less than
// PongWait.
type PumpConfig struct {
	PingPeriod time.Duration
	PongWait   time.Duration
}

func (c PumpConfig) withDefaults() PumpConfig {
	if c.PongWait <= 0 {
		c.PongWait = time.Minute
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}

// Client is one log feed subscriber
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte
	cfg  PumpConfig

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	logger *slog.Logger
}

// NewClient wraps conn for hub. traceID tags the client's log lines and
// may be empty.
func NewClient(hub *Hub, conn Connection, cfg PumpConfig, traceID string) *Client {
	id := uuid.NewString()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		cfg:         cfg.withDefaults(),
		id:          id,
		traceID:     traceID,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: hub.now(),
		logger:      hub.logger.With(slog.String("component", "websocket.client"), slog.String("client_id", id)),
	}
}

// ID returns the id announced in the connect message
func (c *Client) ID() string { return c.id }

// offer queues msg unless the send buffer is full. Only the hub calls it,
// while send is open.
func (c *Client) offer(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) context() context.Context {
	if c.traceID == "" {
		return context.Background()
	}
	return infrastructure.WithTraceID(context.Background(), c.traceID)
}

// ReadPump discards inbound frames so pongs and close frames get handled,
// and unregisters the client once the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) }
	c.conn.SetReadLimit(maxMessageSize)
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			c.logger.WarnContext(c.context(), "unexpected websocket close", slog.String("error", err.Error()))
		}
		return
	}
}

// WritePump drains the send buffer onto the connection and pings every
// PingPeriod. A closed send buffer ends the connection with a close frame.
func (c *Client) WritePump() {
	ping := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		var err error
		select {
		case msg, open := <-c.send:
			if !open {
				_ = write(websocket.CloseMessage, []byte{})
				return
			}
			err = write(websocket.TextMessage, msg)
		case <-ping.C:
			err = write(websocket.PingMessage, nil)
		}
		if err != nil {
			c.logger.DebugContext(c.context(), "websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}
