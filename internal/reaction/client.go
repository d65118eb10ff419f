package reaction

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	utils "livecast/pkg/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	sendBuffer = 64
)

// Client is one WebSocket connection in a room.
type Client struct {
	id       uuid.UUID
	hub      *Hub
	conn     *websocket.Conn
	streamID string
	send     chan []byte
	ping     chan struct{}
	limiter  *rate.Limiter

	// alive is cleared at each heartbeat and set again by the pong handler.
	alive atomic.Bool
}

func newClient(hub *Hub, conn *websocket.Conn, streamID string) *Client {
	c := &Client{
		id:       uuid.New(),
		hub:      hub,
		conn:     conn,
		streamID: streamID,
		send:     make(chan []byte, sendBuffer),
		ping:     make(chan struct{}, 1),
	}
	if hub.cfg.RatePerSecond > 0 {
		burst := hub.cfg.Burst
		if burst <= 0 {
			burst = hub.cfg.RatePerSecond
		}
		c.limiter = rate.NewLimiter(rate.Limit(hub.cfg.RatePerSecond), burst)
	}
	c.alive.Store(true)
	return c
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				utils.Logger.Warnf("WebSocket read error on stream %s: %v", c.streamID, err)
			}
			return
		}
		c.handleMessage(data)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.hub.metrics.ReactionMessage("rate_limited")
		c.sendMessage(newErrorMessage(ErrRateLimited))
		return
	}

	msg, err := ParseInbound(data, c.streamID)
	switch {
	case err == nil:
	case errors.Is(err, ErrStreamMismatch):
		c.hub.metrics.ReactionMessage("ignored")
		return
	default:
		c.hub.metrics.ReactionMessage("invalid")
		c.sendMessage(newErrorMessage(err))
		return
	}

	msg.Timestamp = nowMillis()
	c.hub.metrics.ReactionMessage("accepted")
	c.hub.Publish(msg)
}

// sendMessage queues a reply for this client only. Replies are dropped if the
// client is not draining its queue.
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		utils.Logger.Errorf("Error marshaling message: %v", err)
		return
	}
	c.hub.direct(c, data)
}

// requestPing asks the write pump to send a ping. It never blocks.
func (c *Client) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}
