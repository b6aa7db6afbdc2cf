package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"localdream/logging"
	"localdream/session"
)

// BroadcasterConfig tunes connection keep-alive and buffering.
type BroadcasterConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	// MaxMessageSize caps frames read from clients, which only send pongs.
	MaxMessageSize int64

	// ClientBuffer is how many frames may queue per client before it is dropped.
	ClientBuffer int
}

func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
		ClientBuffer:   64,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Broadcaster pushes session snapshots to websocket clients. Every client
// gets the current snapshot on connect and then each change in order. A
// client that falls behind is disconnected.
type Broadcaster struct {
	cfg      BroadcasterConfig
	logger   *logging.Logger
	upgrader websocket.Upgrader
	current  func() session.Snapshot

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewBroadcaster returns a broadcaster. current supplies the snapshot sent
// to newly connected clients.
func NewBroadcaster(cfg BroadcasterConfig, current func() session.Snapshot, logger *logging.Logger) *Broadcaster {
	def := DefaultBroadcasterConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broadcaster{
		cfg:     cfg,
		logger:  logger.Named("ws"),
		current: current,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API binds to loopback by default and may be password protected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run forwards snapshots from sub until ctx ends or sub closes, then
// disconnects every client.
func (b *Broadcaster) Run(ctx context.Context, sub SnapshotSource) {
	defer sub.Close()
	defer b.Close()

	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			return
		}
		b.Broadcast(NewMessage(MessageTypeSnapshot, snap))
	}
}

// Broadcast queues msg for every client.
func (b *Broadcaster) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to encode websocket message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("websocket client too slow, disconnecting",
				zap.String("remote_addr", c.conn.RemoteAddr().String()))
			delete(b.clients, c)
			c.close()
		}
	}
}

// HandleConnection upgrades the request and registers the client.
func (b *Broadcaster) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, b.cfg.ClientBuffer)}
	if b.current != nil {
		if data, err := json.Marshal(NewMessage(MessageTypeSnapshot, b.current())); err == nil {
			c.send <- data
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()

	b.logger.Debug("websocket client connected", zap.String("remote_addr", r.RemoteAddr), zap.Int("clients", n))

	go b.writePump(c)
	go b.readPump(c)
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// readPump discards client frames and notices disconnects.
func (b *Broadcaster) readPump(c *client) {
	defer b.remove(c)

	c.conn.SetReadLimit(b.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}

// writePump owns all writes to the connection.
func (b *Broadcaster) writePump(c *client) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.remove(c)
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}
