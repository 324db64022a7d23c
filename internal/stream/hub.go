package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Hub is a connection registry keyed by channel name. Publish broadcasts to
// every subscriber of a channel; slow consumers get dropped rather than
// backing up the publisher. Unsubscription is tied to connection teardown.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[string]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Admin surface sits behind the capability middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		channels: make(map[string]map[*client]struct{}),
	}
}

// Publish sends v to every subscriber of the channel. Marshal failures and
// full send buffers drop the message for that subscriber only.
func (h *Hub) Publish(channel string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channel).Msg("failed to marshal stream message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- data:
		default:
			// Slow consumer: close it, the read loop handles cleanup.
			close(c.send)
			delete(h.channels[channel], c)
		}
	}
}

// Subscribers reports the current subscriber count for a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

// Handler upgrades the request to a websocket subscribed to the channel.
func (h *Hub) Handler(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

		h.mu.Lock()
		if h.channels[channel] == nil {
			h.channels[channel] = make(map[*client]struct{})
		}
		h.channels[channel][c] = struct{}{}
		h.mu.Unlock()

		go h.writeLoop(c)
		h.readLoop(channel, c)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "slow consumer"),
		time.Now().Add(writeWait))
}

// readLoop only exists to notice the peer going away.
func (h *Hub) readLoop(channel string, c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.channels[channel][c]; ok {
			delete(h.channels[channel], c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
