package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// maxSubscriptions caps the channels one connection may follow
	maxSubscriptions = 16
)

// OriginChecker decides whether a websocket upgrade from an origin is allowed
type OriginChecker func(r *http.Request) bool

// Client is one websocket connection. Subscriptions are only touched from
// the read loop.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	logger        *slog.Logger
}

// ClientMessage is a request sent by the browser
type ClientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]struct{}),
		logger:        logger.With("client_id", id),
	}
}

// readPump reads client requests until the connection fails or closes
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(MessageTypeError, "", map[string]string{"error": "invalid message format"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		if err := c.handleMessage(msg); err != nil {
			c.reply(MessageTypeError, msg.Channel, map[string]string{"error": err.Error()})
		}
	}
}

// handleMessage applies one client request
func (c *Client) handleMessage(msg ClientMessage) error {
	switch msg.Type {
	case MessageTypeSubscribe:
		if !validChannel(msg.Channel) {
			return fmt.Errorf("channel must be %q or \"player:<id>\"", LeaderboardChannel)
		}
		if _, ok := c.subscriptions[msg.Channel]; !ok && len(c.subscriptions) >= maxSubscriptions {
			return fmt.Errorf("at most %d subscriptions per connection", maxSubscriptions)
		}
		c.subscriptions[msg.Channel] = struct{}{}
		c.hub.Subscribe(c, msg.Channel)
		c.reply("subscribed", msg.Channel, map[string]string{"status": "ok"})

	case MessageTypeUnsubscribe:
		if _, ok := c.subscriptions[msg.Channel]; !ok {
			return fmt.Errorf("not subscribed to %q", msg.Channel)
		}
		delete(c.subscriptions, msg.Channel)
		c.hub.Unsubscribe(c, msg.Channel)
		c.reply("unsubscribed", msg.Channel, map[string]string{"status": "ok"})

	case MessageTypePing:
		c.reply(MessageTypePong, "", nil)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

// validChannel reports whether a client may subscribe to channel
func validChannel(channel string) bool {
	if channel == LeaderboardChannel {
		return true
	}
	playerID, ok := strings.CutPrefix(channel, "player:")
	return ok && playerID != ""
}

// writePump writes queued messages, one frame each, and keeps the
// connection alive with pings
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
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

// reply queues a direct message to this client, dropping it if the send
// buffer is full
func (c *Client) reply(msgType, channel string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		c.logger.Error("failed to marshal reply", "type", msgType, "error", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msgType)
	}
}

// ServeWs upgrades the request and starts the client's pumps
func ServeWs(hub *Hub, checkOrigin OriginChecker, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	client.logger.Debug("new websocket connection", "remote_addr", r.RemoteAddr)
}
