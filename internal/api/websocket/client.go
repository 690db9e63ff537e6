package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

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

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	// send carries broadcasts and is closed by the hub; control carries
	// replies to the client's own requests and is never closed.
	send    chan []byte
	control chan []byte

	// closed when readPump returns
	quit chan struct{}

	subject string
	filter  atomicFilter
}

func (c *Client) wants(event string) bool {
	return c.filter.allows(event)
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.leave()
		close(c.quit)
	}()

	c.conn.SetReadLimit(maxMessageSize)

	authenticated := c.hub.verifier == nil
	if authenticated {
		c.join()
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}

	for {
		var req clientRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			return
		}

		// First message MUST be authentication
		if !authenticated {
			if req.Type != "auth" || req.Token == "" {
				c.reply(NewMessage(MessageTypeAuthFailed, "first message must be an auth message with a token"))
				return
			}

			claims, err := c.hub.verifier.Authorize(req.Token, auth.PermObserve)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
				c.reply(NewMessage(MessageTypeAuthFailed, "invalid or expired token"))
				return
			}

			authenticated = true
			c.subject = claims.Subject
			c.conn.SetReadDeadline(time.Time{})
			c.reply(NewMessage(MessageTypeAuthSuccess, map[string]any{
				"subject": claims.Subject,
				"role":    claims.Role,
			}))
			c.logger.Info("WebSocket client authenticated",
				zap.String("remote_addr", c.conn.RemoteAddr().String()),
				zap.String("subject", claims.Subject))

			c.join()
			continue
		}

		c.handleMessage(req)
	}
}

func (c *Client) join() {
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
	}
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.control <- data:
	default:
	}
}

func (c *Client) handleMessage(req clientRequest) {
	switch req.Type {
	case "subscribe":
		c.filter.set(req.Events)
		c.reply(NewMessage(MessageTypeSubscribed, map[string]any{"events": req.Events}))
		c.logger.Debug("WebSocket subscription changed",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.Strings("events", req.Events))
	default:
		c.reply(NewMessage(MessageTypeError, "unknown request type "+req.Type))
	}
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
		case <-c.quit:
			c.drainControl()
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// drainControl flushes pending replies, e.g. auth_failed, before closing.
func (c *Client) drainControl() {
	for {
		select {
		case message := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		control: make(chan []byte, 8),
		quit:    make(chan struct{}),
		logger:  hub.logger,
	}

	go client.writePump()
	go client.readPump()
}
