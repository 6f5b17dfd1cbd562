package websocket

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection. Clients are
// authenticated before the upgrade.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	logger      *zap.Logger
	username    string
	permissions []auth.Permission

	subMu sync.Mutex
	// positioners filters positioner messages; empty means all.
	positioners map[string]bool
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Client) wants(positioner string) bool {
	if positioner == "" {
		return true
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.positioners) == 0 || c.positioners[positioner]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd ClientCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd ClientCommand) {
	c.logger.Debug("Received client message",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("type", cmd.Type),
		zap.Strings("positioners", cmd.Positioners))

	c.subMu.Lock()
	switch cmd.Type {
	case "subscribe":
		for _, name := range cmd.Positioners {
			c.positioners[name] = true
		}
	case "unsubscribe":
		if len(cmd.Positioners) == 0 {
			c.positioners = make(map[string]bool)
		}
		for _, name := range cmd.Positioners {
			delete(c.positioners, name)
		}
	default:
		c.subMu.Unlock()
		c.hub.reply(c, NewMessage(MessageTypeError, map[string]string{
			"reason": "unknown command " + cmd.Type,
		}))
		return
	}
	current := make([]string, 0, len(c.positioners))
	for name := range c.positioners {
		current = append(current, name)
	}
	c.subMu.Unlock()

	sort.Strings(current)
	c.hub.reply(c, NewMessage(MessageTypeSubscribed, map[string]any{
		"positioners": current,
	}))
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades an authenticated request and registers the client.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, username string, permissions []auth.Permission) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		logger:      hub.logger,
		username:    username,
		permissions: permissions,
		positioners: make(map[string]bool),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
